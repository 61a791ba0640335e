// SPDX-License-Identifier: MIT

// Package scout walks queued snapshots: it renders each page, harvests its
// outbound links and vocabulary, resolves every link to a canonical capture
// and queues the children.
package scout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/browser"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/store"
	"github.com/oldweb/webtape/internal/words"
)

// resolveConcurrency bounds parallel CDX lookups per page. The archive client
// rate-gates the actual requests; this only caps in-flight goroutines.
const resolveConcurrency = 4

// Resolver maps a discovered URL to its canonical capture. Implemented by
// archive.Client.
type Resolver interface {
	FindBest(ctx context.Context, timestamp, rawURL string) (*archive.BestCapture, error)
	Enrich(ctx context.Context, timestamp, rawURL string) (string, error)
}

// Scout is the discovery worker. One Scout drives one rendering session.
type Scout struct {
	cfg    config.ScoutConfig
	vocab  []store.VocabEntry
	store  *store.Store
	sel    *store.Selector
	res    Resolver
	driver browser.Driver
	tok    *words.Tokenizer
	logger zerolog.Logger
}

// New builds a Scout.
func New(cfg config.ScoutConfig, vocab []store.VocabEntry, st *store.Store, sel *store.Selector, res Resolver, driver browser.Driver) (*Scout, error) {
	tok, err := words.NewTokenizer(cfg.JapaneseSegmentation)
	if err != nil {
		return nil, fmt.Errorf("scout: tokenizer: %w", err)
	}
	return &Scout{
		cfg:    cfg,
		vocab:  vocab,
		store:  st,
		sel:    sel,
		res:    res,
		driver: driver,
		tok:    tok,
		logger: log.WithComponent("scout"),
	}, nil
}

// SetVocabulary swaps the configured vocabulary, for run-mode hot reload.
func (s *Scout) SetVocabulary(vocab []store.VocabEntry) {
	s.vocab = vocab
}

// RefreshVocabulary syncs the words table with the configured vocabulary and
// drops unreferenced leftovers.
func (s *Scout) RefreshVocabulary(ctx context.Context) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertVocabulary(ctx, tx, s.vocab); err != nil {
			return err
		}
		return store.DeleteOrphanWords(ctx, tx, s.vocab)
	})
}

func (s *Scout) filter() store.ScoutFilter {
	return store.ScoutFilter{
		MaxDepth:         s.cfg.MaxDepth,
		MaxRequiredDepth: s.cfg.MaxRequiredDepth,
		MinYear:          s.cfg.MinYear,
		MaxYear:          s.cfg.MaxYear,
	}
}

// Iterate scouts one snapshot. Returns false when the queue is empty. A
// session-level driver failure is returned as an error and ends the batch;
// a single bad page invalidates that snapshot and still counts as progress.
func (s *Scout) Iterate(ctx context.Context) (bool, error) {
	if err := s.RefreshVocabulary(ctx); err != nil {
		return false, err
	}
	snap, err := s.sel.ScoutPick(ctx, s.filter())
	if err != nil {
		return false, err
	}
	if snap == nil {
		metrics.IterationsTotal.WithLabelValues("scout", "empty").Inc()
		return false, nil
	}
	logger := s.logger.With().Int64("snapshot", snap.ID).Str("url", snap.URL).Logger()

	target := archive.SnapshotURL{
		Timestamp: snap.Timestamp,
		Modifier:  archive.ModifierIframe,
		URL:       snap.URL,
	}.String()
	if err := s.driver.Navigate(ctx, target); err != nil {
		if errors.Is(err, browser.ErrSession) {
			return false, err
		}
		logger.Warn().Err(err).Msg("navigation failed, invalidating")
		s.invalidate(ctx, snap)
		metrics.IterationsTotal.WithLabelValues("scout", "invalid").Inc()
		return true, nil
	}

	// A download response leaves the browser parked on the blank page: the
	// capture was media mis-labelled as a page by the CDX mimetype.
	blank, err := s.driver.OnBlankPage(ctx)
	if err != nil {
		return s.driverFailure(ctx, snap, err)
	}
	if blank {
		logger.Info().Msg("snapshot is media, flipping")
		err := s.store.Tx(ctx, func(tx *sql.Tx) error {
			if err := store.MarkMedia(ctx, tx, snap.ID, archive.MediaExtension(snap.URL)); err != nil {
				return err
			}
			return store.ClearPriority(ctx, tx, snap.ID, store.PriorityScout)
		})
		if err != nil {
			return false, err
		}
		metrics.IterationsTotal.WithLabelValues("scout", "media").Inc()
		return true, nil
	}

	current, err := s.driver.CurrentURL(ctx)
	if err != nil {
		return s.driverFailure(ctx, snap, err)
	}
	if cur, ok := archive.ParseSnapshotURL(current); !ok {
		logger.Warn().Str("current", current).Msg("left the archive, invalidating")
		s.invalidate(ctx, snap)
		metrics.IterationsTotal.WithLabelValues("scout", "invalid").Inc()
		return true, nil
	} else if cur.URL != snap.URL || cur.Timestamp != snap.Timestamp {
		logger.Info().Str("redirect", cur.URL).Msg("redirected, invalidating and queueing target")
		s.invalidate(ctx, snap)
		s.enqueueRedirectTarget(ctx, snap, cur)
		metrics.IterationsTotal.WithLabelValues("scout", "redirected").Inc()
		return true, nil
	}

	frames, err := s.driver.Frames(ctx)
	if err != nil {
		return s.driverFailure(ctx, snap, err)
	}
	title, err := s.driver.Eval(ctx, "document.title")
	if err != nil {
		return s.driverFailure(ctx, snap, err)
	}

	var text strings.Builder
	seen := map[string]bool{}
	var children []string
	for _, f := range frames {
		text.WriteString(f.Text)
		text.WriteString("\n")
		for _, link := range extractLinks(f.URL, f.HTML) {
			child, ok := s.childURL(link)
			if !ok || child == snap.URL || seen[child] {
				continue
			}
			seen[child] = true
			children = append(children, child)
		}
	}

	// The identical variant shows the page markup without the replay server's
	// injected DOM, so plugin detection and tag counting run against that.
	idTarget := archive.SnapshotURL{
		Timestamp: snap.Timestamp,
		Modifier:  archive.ModifierIdentical,
		URL:       snap.URL,
	}.String()
	plugins := false
	var tagCounts map[string]int
	if err := s.driver.Navigate(ctx, idTarget); err == nil {
		if idFrames, err := s.driver.Frames(ctx); err == nil {
			plugins = usesPlugins(idFrames)
			tagCounts = countElements(idFrames)
		}
	} else if errors.Is(err, browser.ErrSession) {
		return false, err
	}

	resolved := s.resolveChildren(ctx, snap, children)
	counts := s.matchVocabulary(ctx, text.String(), tagCounts)
	result := store.ScoutResult{
		PageTitle:       strings.TrimSpace(title),
		PageUsesPlugins: plugins,
	}
	if s.cfg.DetectLanguage {
		result.PageLanguage = words.DetectLanguage(text.String())
	}

	var discovered int
	err = s.store.Tx(ctx, func(tx *sql.Tx) error {
		discovered = 0
		for _, c := range resolved {
			id, inserted, err := store.InsertSnapshot(ctx, tx, c)
			if err != nil {
				return err
			}
			if inserted {
				discovered++
			}
			if err := store.AddTopologyEdge(ctx, tx, snap.ID, id); err != nil {
				return err
			}
		}
		if err := store.ReplaceSnapshotWords(ctx, tx, snap.ID, counts); err != nil {
			return err
		}
		return store.MarkScouted(ctx, tx, snap.ID, result)
	})
	if err != nil {
		return false, err
	}
	metrics.SnapshotsDiscovered.Add(float64(discovered))
	metrics.IterationsTotal.WithLabelValues("scout", "ok").Inc()
	logger.Info().Int("children", discovered).Str("language", result.PageLanguage).
		Bool("plugins", plugins).Msg("scouted")
	return true, nil
}

// childURL normalizes one extracted link to an original-web URL worth
// queueing. Snapshot URLs unwrap to their original; links into the archive's
// own site are noise.
func (s *Scout) childURL(link string) (string, bool) {
	if snap, ok := archive.ParseSnapshotURL(link); ok {
		return snap.URL, true
	}
	host := hostOf(link)
	if host == "" || archive.IsArchiveHost(host) {
		return "", false
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		return "", false
	}
	return link, true
}

func hostOf(raw string) string {
	rest, ok := strings.CutPrefix(raw, "http://")
	if !ok {
		if rest, ok = strings.CutPrefix(raw, "https://"); !ok {
			return ""
		}
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// resolveChildren maps discovered URLs to canonical captures, concurrently
// but bounded. Unresolvable links are dropped, archive-excluded ones are kept
// as excluded rows so they are never queried again.
func (s *Scout) resolveChildren(ctx context.Context, parent *store.Snapshot, urls []string) []*store.Snapshot {
	var mu sync.Mutex
	var out []*store.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for _, rawURL := range urls {
		g.Go(func() error {
			child := s.resolveChild(gctx, parent, rawURL)
			if child == nil {
				return nil
			}
			mu.Lock()
			out = append(out, child)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return out
}

func (s *Scout) resolveChild(ctx context.Context, parent *store.Snapshot, rawURL string) *store.Snapshot {
	best, err := s.res.FindBest(ctx, parent.Timestamp, rawURL)
	if err != nil {
		if errors.Is(err, archive.ErrExcluded) {
			return &store.Snapshot{
				ParentID:   &parent.ID,
				Depth:      parent.Depth + 1,
				State:      store.StateQueued,
				IsExcluded: true,
				URL:        rawURL,
				Timestamp:  parent.Timestamp,
				URLKey:     archive.URLKey(rawURL),
			}
		}
		if !errors.Is(err, archive.ErrNoCapture) {
			s.logger.Debug().Err(err).Str("url", rawURL).Msg("child lookup failed")
		}
		return nil
	}
	child := &store.Snapshot{
		ParentID:       &parent.ID,
		Depth:          parent.Depth + 1,
		State:          store.StateQueued,
		IsMedia:        best.IsMedia,
		MediaExtension: best.MediaExtension,
		URL:            best.Capture.Original,
		Timestamp:      best.Capture.Timestamp,
		URLKey:         archive.URLKey(best.Capture.Original),
		Digest:         best.Capture.Digest,
	}
	if best.IsMedia {
		// Media is never scouted; it enters the pipeline ready to record.
		child.State = store.StateScouted
	}
	if lm, err := s.res.Enrich(ctx, best.Capture.Timestamp, best.Capture.Original); err == nil {
		child.LastModified = lm
	}
	return child
}

// matchVocabulary counts configured words in the page text and configured
// tags among the markup element names.
func (s *Scout) matchVocabulary(ctx context.Context, text string, tagCounts map[string]int) []store.WordCount {
	counts := words.Count(s.tok.Tokenize(text))
	vocab, err := store.Vocabulary(ctx, s.store.DB())
	if err != nil {
		s.logger.Warn().Err(err).Msg("vocabulary load failed")
		return nil
	}
	var out []store.WordCount
	for _, w := range vocab {
		n := counts[w.Word]
		if w.IsTag {
			n = tagCounts[w.Word]
		}
		if n > 0 {
			out = append(out, store.WordCount{Word: w.Word, IsTag: w.IsTag, Count: n})
		}
	}
	return out
}

func (s *Scout) driverFailure(ctx context.Context, snap *store.Snapshot, err error) (bool, error) {
	if errors.Is(err, browser.ErrSession) {
		return false, err
	}
	s.logger.Warn().Err(err).Int64("snapshot", snap.ID).Msg("driver error, invalidating")
	s.invalidate(ctx, snap)
	metrics.IterationsTotal.WithLabelValues("scout", "invalid").Inc()
	return true, nil
}

func (s *Scout) invalidate(ctx context.Context, snap *store.Snapshot) {
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.TransitionState(ctx, tx, snap.ID, store.StateQueued, store.StateInvalid); err != nil {
			return err
		}
		return store.ClearPriority(ctx, tx, snap.ID, store.PriorityScout)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("snapshot", snap.ID).Msg("invalidate failed")
	}
}

// enqueueRedirectTarget stores the snapshot the archive redirected to, taking
// the invalidated row's place in the queue.
func (s *Scout) enqueueRedirectTarget(ctx context.Context, from *store.Snapshot, target archive.SnapshotURL) {
	best, err := s.res.FindBest(ctx, target.Timestamp, target.URL)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", target.URL).Msg("redirect target unresolvable")
		return
	}
	child := &store.Snapshot{
		ParentID:       from.ParentID,
		Depth:          from.Depth,
		State:          store.StateQueued,
		IsMedia:        best.IsMedia,
		MediaExtension: best.MediaExtension,
		URL:            best.Capture.Original,
		Timestamp:      best.Capture.Timestamp,
		URLKey:         archive.URLKey(best.Capture.Original),
		Digest:         best.Capture.Digest,
	}
	if best.IsMedia {
		child.State = store.StateScouted
	}
	err = s.store.Tx(ctx, func(tx *sql.Tx) error {
		id, _, err := store.InsertSnapshot(ctx, tx, child)
		if err != nil {
			return err
		}
		if from.ParentID != nil {
			return store.AddTopologyEdge(ctx, tx, *from.ParentID, id)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("url", child.URL).Msg("redirect target insert failed")
	}
}
