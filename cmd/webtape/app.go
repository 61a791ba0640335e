// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/cdxcache"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/fsutil"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/rategate"
	"github.com/oldweb/webtape/internal/scout"
	"github.com/oldweb/webtape/internal/store"
)

// app bundles the long-lived dependencies every subcommand shares.
type app struct {
	cfg    *config.Config
	store  *store.Store
	sel    *store.Selector
	cache  cdxcache.Cache
	logger zerolog.Logger

	// scoutRef is set in run mode so the vocabulary watcher can push
	// reloaded entries into the live worker.
	scoutRef *scout.Scout
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		RankOffset:  cfg.RankOffset(),
	}, store.NewHostPolicy(cfg.Archive.AllowHosts, cfg.Archive.DenyHosts))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The snapshot_info view reads media scoring from the config table, so the
	// configured constant must be synced in before any snapshot is ranked.
	err = st.SetConfig(context.Background(), "media_points",
		strconv.Itoa(cfg.Archive.MediaPoints))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("sync media points: %w", err)
	}
	cache, err := cdxcache.Open(cdxcache.Config{
		Backend: cfg.Archive.Cache.Backend,
		Path:    cfg.Archive.Cache.Path,
		Addr:    cfg.Archive.Cache.Addr,
		DB:      cfg.Archive.Cache.DB,
		TTL:     cfg.Archive.Cache.TTL,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open cdx cache: %w", err)
	}
	return &app{
		cfg:    cfg,
		store:  st,
		sel:    store.NewSelector(st, cfg.RankOffset()),
		cache:  cache,
		logger: log.WithComponent("main"),
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("cdx cache close")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close")
	}
}

// archiveClient builds the rate-gated archive client shared by scout, record,
// enqueue and save.
func (a *app) archiveClient() *archive.Client {
	ac := a.cfg.Archive
	gateCfg := rategate.DefaultConfig()
	gateCfg.Archive = rategate.Limit{Amount: ac.ArchiveAmount, Window: ac.ArchiveWindow}
	gateCfg.CDX = rategate.Limit{Amount: ac.CDXAmount, Window: ac.CDXWindow}
	gateCfg.Save = rategate.Limit{Amount: ac.SaveAmount, Window: ac.SaveWindow}

	cc := archive.DefaultClientConfig()
	cc.WebHost = ac.WebHost
	cc.CDXURL = ac.CDXHost
	cc.SaveURL = ac.SaveHost
	if ac.RetryBase > 0 {
		cc.RetryBase = ac.RetryBase
	}
	return archive.NewClient(cc, rategate.New(gateCfg), a.cache)
}

// vocabEntries resolves the configured vocabulary; a standalone vocabulary
// file wins over the inline maps.
func (a *app) vocabEntries() ([]store.VocabEntry, error) {
	v, err := a.cfg.LoadVocabulary()
	if err != nil {
		return nil, err
	}
	return v.VocabEntries(), nil
}

// parseCount reads an optional leading iteration count; fallback applies when
// the argument is absent.
func parseCount(args []string, fallback int) (int, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad iteration count %q", args[0])
	}
	return n, nil
}

// optionFlags collects repeated -option key=value flags into a per-snapshot
// options bag. Values parse as bool, then number, then string.
type optionFlags map[string]any

func (o optionFlags) String() string { return "" }

func (o optionFlags) Set(v string) error {
	k, raw, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", v)
	}
	switch raw {
	case "true", "false":
		o[k] = raw == "true"
	default:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			o[k] = f
		} else {
			o[k] = raw
		}
	}
	return nil
}

func (a *app) runEnqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	opts := optionFlags{}
	fs.Var(opts, "option", "per-snapshot option override, key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	// Unknown option keys are a config error here, never silently ignored by
	// the recorder later.
	if err := config.ValidateOptions(opts); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: webtape enqueue [-option k=v] (scout|record|publish) URL [TIMESTAMP]")
	}
	verb, rawURL := rest[0], rest[1]
	var bucket store.Priority
	switch verb {
	case "scout":
		bucket = store.PriorityScout
	case "record":
		bucket = store.PriorityRecord
	case "publish":
		bucket = store.PriorityPublish
	default:
		return fmt.Errorf("unknown enqueue verb %q", verb)
	}
	// Without a timestamp the pre-web instant resolves to the oldest capture.
	ts := "19910101000000"
	if len(rest) > 2 {
		if !archive.ValidTimestamp(rest[2]) {
			return fmt.Errorf("bad timestamp %q", rest[2])
		}
		ts = rest[2]
	}

	client := a.archiveClient()
	best, err := client.FindBest(ctx, ts, rawURL)
	if errors.Is(err, archive.ErrExcluded) {
		_, _, ierr := store.InsertSnapshot(ctx, a.store.DB(), &store.Snapshot{
			State: store.StateQueued, IsInitial: true, IsExcluded: true,
			URL: rawURL, Timestamp: ts, URLKey: archive.URLKey(rawURL),
		})
		if ierr != nil {
			return ierr
		}
		fmt.Printf("%s is excluded by the archive; stored excluded\n", rawURL)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve %s: %w", rawURL, err)
	}
	lastMod, err := client.Enrich(ctx, best.Capture.Timestamp, best.Capture.Original)
	if err != nil {
		a.logger.Warn().Err(err).Msg("last-modified lookup failed")
	}

	state := store.StateQueued
	if best.IsMedia {
		// Media has no links to scout; it goes straight to the record queue.
		state = store.StateScouted
	}
	snap := &store.Snapshot{
		State:          state,
		Priority:       bucket.WithTieBreak(),
		IsInitial:      true,
		IsMedia:        best.IsMedia,
		MediaExtension: best.MediaExtension,
		URL:            best.Capture.Original,
		Timestamp:      best.Capture.Timestamp,
		LastModified:   lastMod,
		URLKey:         archive.URLKey(best.Capture.Original),
		Digest:         best.Capture.Digest,
		Options:        opts,
	}
	id, inserted, err := store.InsertSnapshot(ctx, a.store.DB(), snap)
	if err != nil {
		return err
	}
	if !inserted {
		if err := store.SetPriority(ctx, a.store.DB(), id, bucket); err != nil {
			return err
		}
		if len(opts) > 0 {
			if err := store.UpdateSnapshotOptions(ctx, a.store.DB(), id, snap.OptionsJSON()); err != nil {
				return err
			}
		}
		fmt.Printf("snapshot %d already known; priority bumped to %s\n", id, verb)
		return nil
	}
	fmt.Printf("snapshot %d queued: %s @ %s\n", id, best.Capture.Original, best.Capture.Timestamp)
	if verb == "record" && state == store.StateQueued {
		fmt.Println("note: the snapshot must be scouted before it can record")
	}
	return nil
}

func (a *app) runSave(ctx context.Context) error {
	pending, err := store.FailedSavedURLs(ctx, a.store.DB())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no failed saves to retry")
		return nil
	}
	client := a.archiveClient()
	saved := 0
	for _, su := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, ok, err := client.Save(ctx, su.URL)
		if errors.Is(err, archive.ErrRateLimited) {
			a.logger.Warn().Msg("save endpoint rate limited, stopping")
			break
		}
		if err != nil || !ok {
			a.logger.Warn().Err(err).Str("url", su.URL).Msg("save retry failed")
			continue
		}
		if err := store.MarkSavedURLSaved(ctx, a.store.DB(), su.ID); err != nil {
			return err
		}
		saved++
	}
	fmt.Printf("saved %d of %d failed urls\n", saved, len(pending))
	return nil
}

func (a *app) runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	unapproved := fs.Bool("unapproved", false, "delete rejected/aborted/invalid recordings")
	compiled := fs.Bool("compiled", false, "delete upload files already inside a compilation")
	temporary := fs.Bool("temporary", false, "delete failed saved-url rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*unapproved && !*compiled && !*temporary {
		return fmt.Errorf("nothing selected; pass -unapproved, -compiled and/or -temporary")
	}
	files, err := a.store.Cleanup(ctx, store.CleanupOptions{
		Unapproved: *unapproved,
		Compiled:   *compiled,
		Temporary:  *temporary,
	})
	if err != nil {
		return err
	}
	removed := 0
	for _, f := range files {
		path, err := fsutil.Confine(a.cfg.Paths.Recordings, f)
		if err != nil {
			a.logger.Warn().Err(err).Str("file", f).Msg("refusing to delete")
			continue
		}
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				a.logger.Warn().Err(err).Str("file", f).Msg("delete failed")
			}
			continue
		}
		removed++
	}
	fmt.Printf("removed %d files\n", removed)
	return nil
}

func (a *app) runStats(ctx context.Context) error {
	st, err := a.store.CollectStats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("snapshots by state:")
	for s := store.StateQueued; s <= store.StateWithheld; s++ {
		if n := st.SnapshotsByState[s]; n > 0 {
			fmt.Printf("  %-10s %d\n", s, n)
		}
	}
	fmt.Println("snapshots by priority bucket:")
	for _, p := range []store.Priority{
		store.PriorityNone, store.PriorityScout, store.PriorityRecord, store.PriorityPublish,
	} {
		if n := st.SnapshotsByPriority[p]; n > 0 {
			fmt.Printf("  %-10d %d\n", int(p), n)
		}
	}
	fmt.Printf("media snapshots:     %d\n", st.MediaSnapshots)
	fmt.Printf("excluded snapshots:  %d\n", st.ExcludedSnapshots)
	fmt.Printf("recordings:          %d (%d published)\n", st.Recordings, st.PublishedRecordings)
	fmt.Printf("saved urls:          %d (%d failed)\n", st.SavedURLs, st.FailedSavedURLs)
	fmt.Printf("compilations:        %d\n", st.Compilations)
	fmt.Printf("vocabulary words:    %d\n", st.Words)
	fmt.Printf("topology edges:      %d\n", st.TopologyEdges)
	return nil
}

func (a *app) runGraph(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	trace := fs.Int64("trace", 0, "print the discovery chain of a snapshot id")
	next := fs.Int("next", 0, "preview the next N scout picks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *trace > 0:
		chain, err := a.store.Trace(ctx, *trace)
		if err != nil {
			return err
		}
		if len(chain) == 0 {
			return fmt.Errorf("snapshot %d not found", *trace)
		}
		for i, snap := range chain {
			fmt.Printf("%*s%d %s @ %s [%s]\n", i*2, "", snap.ID, snap.URL, snap.Timestamp, snap.State)
		}
	case *next > 0:
		sc := a.cfg.Scout
		snaps, err := a.store.NextScouts(ctx, *next, store.ScoutFilter{
			MaxDepth:         sc.MaxDepth,
			MaxRequiredDepth: sc.MaxRequiredDepth,
			MinYear:          sc.MinYear,
			MaxYear:          sc.MaxYear,
		}, a.cfg.RankOffset())
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			fmt.Printf("%d depth=%d %s @ %s\n", snap.ID, snap.Depth, snap.URL, snap.Timestamp)
		}
	default:
		return fmt.Errorf("usage: webtape graph (-trace ID | -next N)")
	}
	return nil
}
