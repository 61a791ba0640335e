// SPDX-License-Identifier: MIT

// Package publisher posts finished recordings to the configured social
// backends and marks them processed.
package publisher

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/fsutil"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/store"
)

// Backend posts one video with a status text to one platform.
type Backend interface {
	Name() string
	// Post publishes a status with the video attached and returns the
	// platform's post id.
	Post(ctx context.Context, status, videoPath string, sensitive bool) (string, error)
	// Reply posts a follow-up video under an earlier post.
	Reply(ctx context.Context, parentID, status, videoPath string) (string, error)
}

// boundBackend pairs a backend with its platform limits.
type boundBackend struct {
	backend Backend
	limits  config.BackendConfig
}

// Publisher drives one publication batch.
type Publisher struct {
	cfg      config.PublishConfig
	paths    config.PathsConfig
	approval bool
	store    *store.Store
	sel      *store.Selector
	backends []boundBackend
	prober   media.Prober
	trans    media.Transcoder
	logger   zerolog.Logger
}

// New builds a Publisher over the given backends. requireApproval mirrors the
// approve section: with approval on, only APPROVED snapshots publish.
func New(cfg config.PublishConfig, paths config.PathsConfig, requireApproval bool, s *store.Store, sel *store.Selector, prober media.Prober, trans media.Transcoder) *Publisher {
	return &Publisher{
		cfg:      cfg,
		paths:    paths,
		approval: requireApproval,
		store:    s,
		sel:      sel,
		prober:   prober,
		trans:    trans,
		logger:   log.WithComponent("publisher"),
	}
}

// AddBackend registers a backend with its limits.
func (p *Publisher) AddBackend(b Backend, limits config.BackendConfig) {
	p.backends = append(p.backends, boundBackend{backend: b, limits: limits})
}

// Iterate publishes one recording. Returns false when nothing is ready. A
// backend failing is logged and skipped; the publication succeeds as long as
// one backend accepted it, otherwise the recording stays queued for the next
// batch.
func (p *Publisher) Iterate(ctx context.Context) (bool, error) {
	snap, rec, err := p.sel.PublishPick(ctx, p.approval)
	if err != nil {
		return false, err
	}
	if snap == nil || rec == nil {
		metrics.IterationsTotal.WithLabelValues("publish", "empty").Inc()
		return false, nil
	}
	logger := p.logger.With().Int64("snapshot", snap.ID).Int64("recording", rec.ID).Logger()

	upload, err := fsutil.Confine(p.paths.Recordings, rec.UploadFilename)
	if err != nil {
		return false, err
	}
	status := StatusText(snap, p.cfg.TitleBudget)
	posted := 0
	for _, bb := range p.backends {
		id, err := p.publishTo(ctx, bb, snap, rec, status, upload, logger)
		if err != nil {
			logger.Warn().Err(err).Str("backend", bb.backend.Name()).Msg("publish failed")
			metrics.PublishesTotal.WithLabelValues(bb.backend.Name(), "failed").Inc()
			continue
		}
		metrics.PublishesTotal.WithLabelValues(bb.backend.Name(), "ok").Inc()
		posted++
		switch bb.backend.Name() {
		case "twitter":
			rec.TwitterID = id
		case "mastodon":
			rec.MastodonID = id
		}
	}
	if posted == 0 && len(p.backends) > 0 {
		logger.Error().Msg("no backend accepted the recording, leaving it queued")
		metrics.IterationsTotal.WithLabelValues("publish", "failed").Inc()
		return true, nil
	}

	err = p.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.TransitionState(ctx, tx, snap.ID, snap.State, store.StatePublished); err != nil {
			return err
		}
		if err := store.MarkRecordingPublished(ctx, tx, rec); err != nil {
			return err
		}
		return store.ClearPriority(ctx, tx, snap.ID, store.PriorityPublish)
	})
	if err != nil {
		return false, err
	}
	logger.Info().Str("title", snap.PageTitle).Msg("published")
	metrics.IterationsTotal.WithLabelValues("publish", "ok").Inc()
	return true, nil
}

// publishTo posts one recording to one backend, shrinking oversize videos
// when the platform config allows, and replying with the narration split
// into platform-sized segments.
func (p *Publisher) publishTo(ctx context.Context, bb boundBackend, snap *store.Snapshot, rec *store.Recording, status, upload string, logger zerolog.Logger) (string, error) {
	video, err := p.fitVideo(ctx, bb, upload)
	if err != nil {
		return "", err
	}
	postID, err := bb.backend.Post(ctx, status, video, snap.IsSensitive)
	if err != nil {
		return "", err
	}
	if rec.NarrationFile != "" {
		if err := p.replyNarration(ctx, bb, postID, snap, rec); err != nil {
			logger.Warn().Err(err).Str("backend", bb.backend.Name()).Msg("narration reply failed")
		}
	}
	return postID, nil
}

// fitVideo returns a path within the backend's byte budget, transcoding into
// a temp file when configured to.
func (p *Publisher) fitVideo(ctx context.Context, bb boundBackend, upload string) (string, error) {
	if bb.limits.MaxVideoBytes <= 0 {
		return upload, nil
	}
	info, err := os.Stat(upload)
	if err != nil {
		return "", err
	}
	if info.Size() <= bb.limits.MaxVideoBytes {
		return upload, nil
	}
	if !bb.limits.Transcode {
		return "", fmt.Errorf("publisher: %s exceeds %s cap (%d > %d bytes)",
			filepath.Base(upload), bb.backend.Name(), info.Size(), bb.limits.MaxVideoBytes)
	}
	shrunk := filepath.Join(os.TempDir(), fmt.Sprintf("webtape-shrink-%s-%s",
		bb.backend.Name(), filepath.Base(upload)))
	if err := p.trans.Shrink(ctx, upload, shrunk, bb.limits.MaxVideoBytes); err != nil {
		return "", err
	}
	return shrunk, nil
}

// replyNarration posts the narration under the main post. Narrations longer
// than the platform's video cap are split into consecutive segments chained
// as replies.
func (p *Publisher) replyNarration(ctx context.Context, bb boundBackend, postID string, snap *store.Snapshot, rec *store.Recording) error {
	narr, err := fsutil.Confine(p.paths.Recordings, rec.NarrationFile)
	if err != nil {
		return err
	}
	if _, err := os.Stat(narr); err != nil {
		return err
	}
	probe, err := p.prober.Probe(ctx, narr)
	if err != nil {
		return err
	}
	parts := []string{narr}
	if bb.limits.MaxDuration > 0 && probe.Duration > bb.limits.MaxDuration && p.cfg.SegmentSeconds > 0 {
		parts, err = p.trans.Segment(ctx, narr, p.cfg.SegmentSeconds)
		if err != nil {
			return err
		}
	}
	parent := postID
	for i, part := range parts {
		caption := "narration"
		if len(parts) > 1 {
			caption = fmt.Sprintf("narration %d/%d", i+1, len(parts))
		}
		id, err := bb.backend.Reply(ctx, parent, caption, part)
		if err != nil {
			return err
		}
		parent = id
	}
	return nil
}

// StatusText composes the post body: truncated title, media tags when
// present, capture date, wayback link, and a joystick for plugin pages.
func StatusText(snap *store.Snapshot, titleBudget int) string {
	title := snap.PageTitle
	if title == "" && snap.MediaTitle != "" {
		title = snap.MediaTitle
	}
	if title == "" {
		title = snap.URL
	}
	title = truncate(title, titleBudget)

	var b strings.Builder
	b.WriteString(title)
	if snap.IsMedia && snap.MediaTitle != "" && snap.MediaTitle != title {
		b.WriteString("\n")
		b.WriteString(snap.MediaTitle)
		if snap.MediaAuthor != "" {
			b.WriteString(" by ")
			b.WriteString(snap.MediaAuthor)
		}
	}
	b.WriteString("\n")
	b.WriteString(shortDate(snap.Timestamp))
	if snap.PageUsesPlugins {
		b.WriteString(" \U0001F579") // joystick
	}
	b.WriteString("\n")
	b.WriteString(archive.SnapshotURL{Timestamp: snap.Timestamp, URL: snap.URL}.String())
	return b.String()
}

func truncate(s string, budget int) string {
	if budget <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= budget {
		return s
	}
	return strings.TrimSpace(string(r[:budget-1])) + "…"
}

func shortDate(timestamp string) string {
	t, err := time.Parse("20060102150405", timestamp)
	if err != nil {
		return timestamp
	}
	return t.Format("02.01.2006")
}
