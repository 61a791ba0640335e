// SPDX-License-Identifier: MIT

// Package compiler concatenates published recordings into one long video with
// colored transitions and a timestamped text sidecar.
package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/fsutil"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/store"
)

// Selection names the recordings a compilation covers: either a publish-time
// window, or an explicit id list of snapshots or recordings.
type Selection struct {
	Begin string // publish window start, YYYY-MM-DD or RFC3339
	End   string
	Kind  string // "snapshot" or "recording" for id selections
	IDs   []int64
	// Narration appends each clip's narration sidecar right after the clip.
	Narration bool
}

// Compiler assembles compilations.
type Compiler struct {
	cfg    config.CompileConfig
	paths  config.PathsConfig
	store  *store.Store
	prober media.Prober
	trans  media.Transcoder
	logger zerolog.Logger
}

// New builds a Compiler.
func New(cfg config.CompileConfig, paths config.PathsConfig, s *store.Store, prober media.Prober, trans media.Transcoder) *Compiler {
	return &Compiler{
		cfg:    cfg,
		paths:  paths,
		store:  s,
		prober: prober,
		trans:  trans,
		logger: log.WithComponent("compiler"),
	}
}

// clip is one compiled segment plus the sidecar line data for it.
type clip struct {
	recording *store.Recording
	snapshot  *store.Snapshot
	tsPath    string // remuxed MPEG-TS segment
	offset    time.Duration
	narration bool
}

// Compile selects, remuxes and concatenates the recordings and writes the
// sidecar. Returns the output video path.
func (c *Compiler) Compile(ctx context.Context, sel Selection) (string, error) {
	recs, err := c.selectRecordings(ctx, sel)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("compiler: selection matched no recordings")
	}
	if err := os.MkdirAll(c.paths.Compilations, 0o755); err != nil {
		return "", err
	}
	work, err := os.MkdirTemp(c.paths.Compilations, ".work-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(work) //nolint:errcheck

	clips, ref, err := c.remux(ctx, recs, sel.Narration, work)
	if err != nil {
		return "", err
	}

	transition := filepath.Join(work, "transition.ts")
	err = c.trans.Transition(ctx, ref, c.cfg.TransitionColor, c.cfg.TransitionDuration,
		c.cfg.TransitionSFX, transition)
	if err != nil {
		return "", fmt.Errorf("compiler: transition: %w", err)
	}

	c.layout(clips)

	listFile := filepath.Join(work, "concat.txt")
	if err := writeConcatList(listFile, clips, transition); err != nil {
		return "", err
	}
	stamp := time.Now().UTC().Format("2006_01_02_150405")
	out := filepath.Join(c.paths.Compilations, fmt.Sprintf("compilation_%s.mp4", stamp))
	if err := c.trans.Concat(ctx, listFile, out); err != nil {
		return "", fmt.Errorf("compiler: concat: %w", err)
	}

	sidecar := strings.TrimSuffix(out, ".mp4") + ".txt"
	if err := fsutil.WriteFileAtomic(sidecar, []byte(c.sidecarText(clips)), 0o644); err != nil {
		return "", err
	}

	var ids []int64
	for _, cl := range clips {
		if !cl.narration {
			ids = append(ids, cl.recording.ID)
		}
	}
	if _, err := store.InsertCompilation(ctx, c.store.DB(), filepath.Base(out), ids); err != nil {
		return "", err
	}
	c.logger.Info().Int("recordings", len(ids)).Str("output", out).Msg("compiled")
	return out, nil
}

// selectRecordings resolves the selection to an ordered recording list.
// Snapshot ids keep only the latest recording per snapshot.
func (c *Compiler) selectRecordings(ctx context.Context, sel Selection) ([]*store.Recording, error) {
	switch {
	case sel.Begin != "" && sel.End != "":
		return store.RecordingsPublishedBetween(ctx, c.store.DB(), sel.Begin, sel.End)
	case sel.Kind == "recording":
		var out []*store.Recording
		for _, id := range sel.IDs {
			rec, err := store.RecordingByID(ctx, c.store.DB(), id)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, fmt.Errorf("compiler: recording %d not found", id)
			}
			out = append(out, rec)
		}
		return out, nil
	case sel.Kind == "snapshot":
		var out []*store.Recording
		for _, id := range sel.IDs {
			rec, err := store.LatestRecordingForSnapshot(ctx, c.store.DB(), id)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, fmt.Errorf("compiler: snapshot %d has no recording", id)
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compiler: empty selection")
	}
}

// remux rewraps every upload as MPEG-TS and probes the first clip for the
// transition geometry.
func (c *Compiler) remux(ctx context.Context, recs []*store.Recording, narration bool, work string) ([]clip, media.ProbeResult, error) {
	var ref media.ProbeResult
	clips := make([]clip, 0, len(recs))
	for i, rec := range recs {
		upload, err := fsutil.Confine(c.paths.Recordings, rec.UploadFilename)
		if err != nil {
			return nil, ref, err
		}
		snap, err := store.GetSnapshot(ctx, c.store.DB(), rec.SnapshotID)
		if err != nil {
			return nil, ref, err
		}
		if snap == nil {
			return nil, ref, fmt.Errorf("compiler: recording %d has no snapshot", rec.ID)
		}
		probe, err := c.prober.Probe(ctx, upload)
		if err != nil {
			return nil, ref, fmt.Errorf("compiler: probe %s: %w", rec.UploadFilename, err)
		}
		if i == 0 {
			ref = probe
		}
		tsPath := filepath.Join(work, fmt.Sprintf("clip%04d.ts", i))
		if err := c.trans.RemuxTS(ctx, upload, tsPath); err != nil {
			return nil, ref, fmt.Errorf("compiler: remux %s: %w", rec.UploadFilename, err)
		}
		// Durations are stashed in offset; layout turns them into offsets.
		clips = append(clips, clip{
			recording: rec, snapshot: snap, tsPath: tsPath, offset: probe.Duration,
		})
		if narration && rec.NarrationFile != "" {
			tts, err := c.remuxNarration(ctx, rec, i, work)
			if err != nil {
				return nil, ref, err
			}
			tts.snapshot = snap
			clips = append(clips, tts)
		}
	}
	return clips, ref, nil
}

func (c *Compiler) remuxNarration(ctx context.Context, rec *store.Recording, i int, work string) (clip, error) {
	path, err := fsutil.Confine(c.paths.Recordings, rec.NarrationFile)
	if err != nil {
		return clip{}, err
	}
	probe, err := c.prober.Probe(ctx, path)
	if err != nil {
		return clip{}, fmt.Errorf("compiler: probe %s: %w", rec.NarrationFile, err)
	}
	tsPath := filepath.Join(work, fmt.Sprintf("clip%04d_tts.ts", i))
	if err := c.trans.RemuxTS(ctx, path, tsPath); err != nil {
		return clip{}, fmt.Errorf("compiler: remux %s: %w", rec.NarrationFile, err)
	}
	return clip{recording: rec, tsPath: tsPath, offset: probe.Duration, narration: true}, nil
}

// layout converts the per-clip durations stashed in offset into absolute
// start offsets, accounting for the transition before every clip but the
// first.
func (c *Compiler) layout(clips []clip) {
	at := time.Duration(0)
	for i := range clips {
		d := clips[i].offset
		clips[i].offset = at
		at += d
		if i < len(clips)-1 {
			at += c.cfg.TransitionDuration
		}
	}
}

// writeConcatList emits the file-list protocol of the external muxer, with
// the transition segment between consecutive clips.
func writeConcatList(path string, clips []clip, transition string) error {
	var b strings.Builder
	for i, cl := range clips {
		if i > 0 {
			fmt.Fprintf(&b, "file '%s'\n", transition)
		}
		fmt.Fprintf(&b, "file '%s'\n", cl.tsPath)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// sidecarText renders one HH:MM:SS line per clip plus a trailing summary.
func (c *Compiler) sidecarText(clips []clip) string {
	var b strings.Builder
	for _, cl := range clips {
		b.WriteString(hms(cl.offset))
		b.WriteString(" ")
		b.WriteString(clipTitle(cl.snapshot))
		if cl.narration {
			b.WriteString(" narration")
		}
		fmt.Fprintf(&b, " (%s)", shortDate(cl.snapshot.Timestamp))
		if cl.snapshot.PageUsesPlugins {
			b.WriteString(" \U0001F579")
		}
		if cl.recording.HasAudio {
			b.WriteString(" \U0001F50A")
		}
		b.WriteString("\n")
	}
	n := 0
	for _, cl := range clips {
		if !cl.narration {
			n++
		}
	}
	fmt.Fprintf(&b, "\n%d recordings, compiled %s\n",
		n, time.Now().UTC().Format("2006-01-02"))
	return b.String()
}

func clipTitle(snap *store.Snapshot) string {
	switch {
	case snap.PageTitle != "":
		return snap.PageTitle
	case snap.MediaTitle != "":
		return snap.MediaTitle
	default:
		return snap.URL
	}
}

func hms(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

func shortDate(timestamp string) string {
	t, err := time.Parse("20060102150405", timestamp)
	if err != nil {
		return timestamp
	}
	return t.Format("02.01.2006")
}
