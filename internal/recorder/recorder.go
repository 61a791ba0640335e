// SPDX-License-Identifier: MIT

// Package recorder captures scouted snapshots to video: it drives the period
// browser through the interception proxy, records the screen, post-processes
// the footage and backfills assets the archive turned out to be missing.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/browser"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/fsutil"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/proxybridge"
	"github.com/oldweb/webtape/internal/store"
)

// ArchiveService is what the recorder needs from the archive client.
type ArchiveService interface {
	GuessedCharset(ctx context.Context, timestamp, rawURL string) (string, error)
	Save(ctx context.Context, rawURL string) (string, bool, error)
	Download(ctx context.Context, timestamp, rawURL, dest string) error
}

// Proxy is the control channel to the interception proxy process.
type Proxy interface {
	SetTimestamp(ts string) error
	ClearTimestamp() error
	Drain(quiet, total time.Duration) ([]*proxybridge.Message, error)
}

// Narrator synthesizes speech from page text.
type Narrator interface {
	Synthesize(ctx context.Context, text, language, outPath string) error
}

// Deps are the recorder's collaborators.
type Deps struct {
	Store      *store.Store
	Selector   *store.Selector
	Archive    ArchiveService
	Driver     browser.Driver
	Capture    browser.Capture
	Killer     browser.ProcessKiller
	Proxy      Proxy
	Prober     media.Prober
	Transcoder media.Transcoder
	Narrator   Narrator
}

// Recorder is the capture worker. One Recorder drives one browser, one screen
// capture and one proxy process.
type Recorder struct {
	cfg      config.RecordConfig
	paths    config.PathsConfig
	store    *store.Store
	sel      *store.Selector
	arch     ArchiveService
	driver   browser.Driver
	capture  browser.Capture
	killer   browser.ProcessKiller
	proxy    Proxy
	prober   media.Prober
	trans    media.Transcoder
	narrator Narrator
	logger   zerolog.Logger
}

// New builds a Recorder.
func New(cfg config.RecordConfig, paths config.PathsConfig, d Deps) *Recorder {
	return &Recorder{
		cfg:      cfg,
		paths:    paths,
		store:    d.Store,
		sel:      d.Selector,
		arch:     d.Archive,
		driver:   d.Driver,
		capture:  d.Capture,
		killer:   d.Killer,
		proxy:    d.Proxy,
		prober:   d.Prober,
		trans:    d.Transcoder,
		narrator: d.Narrator,
		logger:   log.WithComponent("recorder"),
	}
}

func (r *Recorder) filter() store.RecordFilter {
	return store.RecordFilter{
		MinYear:               r.cfg.MinYear,
		MaxYear:               r.cfg.MaxYear,
		MediaExtensions:       r.cfg.MediaExtensions,
		MinRecordingsSameHost: r.cfg.MinRecordingsSameHost,
		MinPublishDays:        r.cfg.MinPublishDays,
		AllowSensitive:        r.cfg.AllowSensitive,
	}
}

// capturePlan is everything decided before the warm pass.
type capturePlan struct {
	contentURL    string
	target        archive.SnapshotURL // redirect reference; meaningful when checkRedirect
	checkRedirect bool
	fixedDuration time.Duration // nonzero for directly probed media
	mediaPage     string        // generated embedding page, "" for plain pages
	mediaTitle    string
	mediaAuthor   string
}

// warmResult is what the cache-warm pass learned.
type warmResult struct {
	plugins  int
	geometry browser.ScrollMetrics
	pageText string
	saves    []string
	ramURL   string
	audioURLs []string
}

// Iterate records one snapshot. Returns false when nothing is eligible.
// Session-level failures (driver session, proxy gone) are returned as errors
// and end the batch; a failed capture aborts the snapshot and counts as
// progress.
func (r *Recorder) Iterate(ctx context.Context) (bool, error) {
	snap, err := r.sel.RecordPick(ctx, r.filter())
	if err != nil {
		return false, err
	}
	if snap == nil {
		metrics.IterationsTotal.WithLabelValues("record", "empty").Inc()
		return false, nil
	}
	rcfg := r.cfg.ApplyOptions(snap.Options)
	logger := r.logger.With().Int64("snapshot", snap.ID).Str("url", snap.URL).Logger()
	logger.Info().Str("timestamp", snap.Timestamp).Bool("media", snap.IsMedia).Msg("recording")

	start := time.Now()
	ok, err := r.record(ctx, rcfg, snap, logger)
	if err != nil {
		metrics.IterationsTotal.WithLabelValues("record", "error").Inc()
		return false, err
	}
	outcome := "aborted"
	if ok {
		outcome = "ok"
		metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	}
	metrics.CapturesTotal.WithLabelValues(outcome).Inc()
	metrics.IterationsTotal.WithLabelValues("record", outcome).Inc()
	return true, nil
}

func (r *Recorder) record(ctx context.Context, rcfg config.RecordConfig, snap *store.Snapshot, logger zerolog.Logger) (bool, error) {
	if err := os.MkdirAll(r.paths.Recordings, 0o755); err != nil {
		return false, err
	}
	work, err := os.MkdirTemp(r.paths.Recordings, ".work-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(work) //nolint:errcheck

	if err := r.applyCharset(ctx, rcfg, snap); err != nil {
		logger.Warn().Err(err).Msg("charset setup failed")
	}

	plan, err := r.plan(ctx, rcfg, snap, work)
	if err != nil {
		logger.Warn().Err(err).Msg("capture planning failed, aborting snapshot")
		return false, r.abort(ctx, snap, nil)
	}

	if err := r.proxy.SetTimestamp(snap.Timestamp); err != nil {
		return false, err
	}
	defer r.proxy.ClearTimestamp() //nolint:errcheck

	warm, err := r.warmPass(ctx, rcfg, plan, logger)
	if err != nil {
		if errors.Is(err, browser.ErrSession) || errors.Is(err, proxybridge.ErrProxyGone) {
			return false, err
		}
		logger.Warn().Err(err).Msg("warm pass failed, aborting snapshot")
		return false, r.abort(ctx, snap, nil)
	}

	// A RealMedia playlist unwrapped to its actual stream; re-point the
	// embedding page at it so the capture shows the stream, not the playlist.
	if warm.ramURL != "" && plan.mediaPage != "" {
		logger.Info().Str("stream", warm.ramURL).Msg("re-targeting media page at stream")
		if err := WriteMediaPage(plan.mediaPage, snap.PageTitle, warm.ramURL); err != nil {
			return false, err
		}
	}

	raw := filepath.Join(work, "raw.mp4")
	crashed, captureOK, err := r.recordPass(ctx, rcfg, plan, warm, raw, logger)
	if err != nil {
		if errors.Is(err, browser.ErrSession) {
			return false, err
		}
		logger.Warn().Err(err).Msg("record pass failed, aborting snapshot")
		return false, r.abort(ctx, snap, warm.saves)
	}

	redirected := false
	current := ""
	if plan.checkRedirect {
		var cerr, rerr error
		var count int
		current, cerr = r.driver.CurrentURL(ctx)
		count, rerr = r.driver.RedirectCount(ctx)
		if cerr != nil || rerr != nil {
			redirected = true
		} else {
			redirected = Redirected(plan.target, current, count)
		}
	}
	if crashed || !captureOK || redirected {
		logger.Warn().Bool("crashed", crashed).Bool("capture_ok", captureOK).
			Bool("redirected", redirected).Msg("capture invalid, aborting snapshot")
		if redirected {
			r.enqueueRedirectTarget(ctx, snap, current, logger)
		}
		return false, r.abort(ctx, snap, warm.saves)
	}

	artifacts, err := r.postprocess(ctx, rcfg, snap, warm, raw, work, logger)
	if err != nil {
		logger.Error().Err(err).Msg("post-processing failed, aborting snapshot")
		return false, r.abort(ctx, snap, warm.saves)
	}

	var saved []*store.SavedURL
	if len(warm.saves) > 0 {
		saved = r.backfill(ctx, backfillConfig{
			Neighbors:      rcfg.SaveMissing,
			MaxConsecutive: rcfg.MaxConsecutiveTries,
			MaxTotal:       rcfg.MaxTotalTries,
		}, snap.ID, warm.saves)
	}

	if err := r.writeback(ctx, snap, plan, artifacts, saved); err != nil {
		return false, err
	}
	logger.Info().Bool("has_audio", artifacts.hasAudio).Msg("recorded")
	return true, nil
}

func (r *Recorder) applyCharset(ctx context.Context, rcfg config.RecordConfig, snap *store.Snapshot) error {
	charset := rcfg.Encoding
	if charset == "" {
		guessed, err := r.arch.GuessedCharset(ctx, snap.Timestamp, snap.URL)
		if err != nil {
			return err
		}
		charset = guessed
	}
	if charset == "" {
		return nil
	}
	return r.driver.SetFallbackCharset(ctx, charset)
}

// plan decides what the browser will load and for how long.
func (r *Recorder) plan(ctx context.Context, rcfg config.RecordConfig, snap *store.Snapshot, work string) (*capturePlan, error) {
	if !snap.IsMedia {
		target := archive.SnapshotURL{
			Timestamp: snap.Timestamp,
			Modifier:  archive.ModifierIframe,
			URL:       snap.URL,
		}
		return &capturePlan{
			contentURL:    target.String(),
			target:        target,
			checkRedirect: true,
		}, nil
	}

	embedSrc := archive.SnapshotURL{
		Timestamp: snap.Timestamp,
		Modifier:  archive.ModifierObjectEmbed,
		URL:       snap.URL,
	}.String()
	page := filepath.Join(work, "media.html")
	plan := &capturePlan{
		contentURL: "file://" + page,
		mediaPage:  page,
	}
	title := snap.MediaTitle
	if title == "" {
		title = snap.URL
	}

	if !Embeddable(snap.MediaExtension) {
		// Self-contained media: its real duration decides the capture length.
		local := filepath.Join(work, "media."+snap.MediaExtension)
		if err := r.arch.Download(ctx, snap.Timestamp, snap.URL, local); err != nil {
			return nil, err
		}
		probe, err := r.prober.Probe(ctx, local)
		if err != nil {
			return nil, err
		}
		plan.fixedDuration = clampDuration(probe.Duration+2*time.Second, rcfg.MinDuration, rcfg.MaxDuration)
		plan.mediaTitle = probe.Title
		plan.mediaAuthor = probe.Author
		if probe.Title != "" {
			title = probe.Title
		}
	}
	if err := WriteMediaPage(page, title, embedSrc); err != nil {
		return nil, err
	}
	return plan, nil
}

// warmPass loads the page once so every asset lands in the proxy's path,
// then drains the proxy's observations.
func (r *Recorder) warmPass(ctx context.Context, rcfg config.RecordConfig, plan *capturePlan, logger zerolog.Logger) (*warmResult, error) {
	wd := StartWatchdog(watchdogDeadline(rcfg), r.killer, logger)
	defer wd.Stop()

	if err := r.driver.Navigate(ctx, plan.contentURL); err != nil {
		return nil, err
	}
	if rcfg.Script != "" {
		if _, err := r.driver.Eval(ctx, rcfg.Script); err != nil {
			logger.Warn().Err(err).Msg("snapshot script failed")
		}
	}
	if err := sleep(ctx, rcfg.PluginLoadWait); err != nil {
		return nil, err
	}

	res := &warmResult{}
	var err error
	if res.plugins, err = r.driver.PluginCount(ctx); err != nil {
		return nil, err
	}
	if res.geometry, err = r.driver.ScrollMetrics(ctx); err != nil {
		return nil, err
	}
	if rcfg.ImgAltText {
		if _, err := r.driver.Eval(ctx, imgAltTextScript); err != nil {
			logger.Warn().Err(err).Msg("alt-text transform failed")
		}
	}
	frames, err := r.driver.Frames(ctx)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, f := range frames {
		text.WriteString(f.Text)
		text.WriteString("\n")
	}
	res.pageText = text.String()

	if err := sleep(ctx, rcfg.CacheWait); err != nil {
		return nil, err
	}
	msgs, err := r.proxy.Drain(rcfg.ProxyQuietWait, rcfg.ProxyTotalTimeout)
	if err != nil {
		return nil, err
	}
	histogram := map[string]int{}
	for _, m := range msgs {
		switch m.Kind {
		case proxybridge.KindSave:
			res.saves = append(res.saves, m.URL)
		case proxybridge.KindRAM:
			res.ramURL = m.URL
		case proxybridge.KindResponse:
			histogram[fmt.Sprintf("%d %s", m.Status, m.Mark)]++
			metrics.ProxyResponses.WithLabelValues(statusClass(m.Status), m.Mark).Inc()
			if strings.HasPrefix(strings.ToLower(m.ContentType), "audio/") && m.Status == 200 {
				res.audioURLs = append(res.audioURLs, m.URL)
			}
		}
	}
	logger.Debug().Interface("responses", histogram).Int("missing", len(res.saves)).
		Msg("warm pass drained")
	if wd.Stop() {
		return nil, fmt.Errorf("recorder: plugin crash during warm pass")
	}
	return res, nil
}

// recordPass performs the actual screen capture.
func (r *Recorder) recordPass(ctx context.Context, rcfg config.RecordConfig, plan *capturePlan, warm *warmResult, raw string, logger zerolog.Logger) (crashed, ok bool, err error) {
	scrolls := 0
	if plan.checkRedirect && rcfg.ScrollStep > 0 {
		scrolls = scrollCount(warm.geometry, rcfg.ScrollStep)
	}
	total := plan.fixedDuration
	if total == 0 {
		total = captureDuration(rcfg, warm.plugins, scrolls)
	}
	loadWait, perScroll := scheduleWaits(total, scrolls)

	wd := StartWatchdog(watchdogDeadline(rcfg), r.killer, logger)
	defer wd.Stop()

	if err := r.capture.Start(ctx, raw); err != nil {
		return false, false, err
	}
	if err := r.driver.Navigate(ctx, plan.contentURL); err != nil {
		r.capture.Stop(ctx) //nolint:errcheck
		return wd.Stop(), false, err
	}
	if err := r.applySyncFix(ctx, rcfg.SyncFix); err != nil {
		logger.Warn().Err(err).Msg("sync fix failed")
	}

	// Background pokes keep interactive plugins moving for the camera. Both
	// loops die with the pass.
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if warm.plugins > 0 {
		go r.pokeLoop(passCtx, pluginInputScript, 5*time.Second)
		go r.pokeLoop(passCtx, viewpointCycleScript, 15*time.Second)
	}

	if err := sleep(ctx, loadWait); err != nil {
		r.capture.Stop(ctx) //nolint:errcheck
		return wd.Stop(), false, err
	}
	for i := 0; i < scrolls; i++ {
		if err := r.driver.Scroll(ctx, rcfg.ScrollStep); err != nil {
			break
		}
		if err := sleep(ctx, perScroll); err != nil {
			break
		}
	}
	res, err := r.capture.Stop(ctx)
	if err != nil {
		return wd.Stop(), false, err
	}
	return wd.Stop(), res.OK, nil
}

type artifacts struct {
	upload    string // working paths inside the temp dir
	archive   string
	narration string
	hasAudio  bool
}

func (r *Recorder) postprocess(ctx context.Context, rcfg config.RecordConfig, snap *store.Snapshot, warm *warmResult, raw, work string, logger zerolog.Logger) (*artifacts, error) {
	out := &artifacts{
		upload:  filepath.Join(work, "upload.mp4"),
		archive: filepath.Join(work, "archive.mp4"),
	}
	if err := r.trans.Postprocess(ctx, raw, out.upload); err != nil {
		return nil, err
	}
	if err := r.trans.ArchiveGrade(ctx, raw, out.archive); err != nil {
		return nil, err
	}

	if rcfg.AudioMix && len(warm.audioURLs) > 0 {
		if err := r.mixAudio(ctx, rcfg, snap, warm.audioURLs, out, work, logger); err != nil {
			logger.Warn().Err(err).Msg("audio mix failed, keeping plain track")
		}
	}

	probe, err := r.prober.Probe(ctx, out.upload)
	if err != nil {
		return nil, err
	}
	silence, err := r.prober.SilenceDuration(ctx, out.upload)
	if err != nil {
		return nil, err
	}
	out.hasAudio = media.HasAudible(probe, silence)

	if rcfg.Narrate && strings.TrimSpace(warm.pageText) != "" && r.narrator != nil {
		wav := filepath.Join(work, "narration.wav")
		if err := r.narrator.Synthesize(ctx, warm.pageText, snap.PageLanguage, wav); err != nil {
			logger.Warn().Err(err).Msg("narration failed")
		} else {
			narr := filepath.Join(work, "narration.mp4")
			if err := r.trans.MuxNarration(ctx, wav, narr); err != nil {
				return nil, err
			}
			out.narration = narr
		}
	}
	return out, nil
}

// mixAudio overlays plugin-discovered audio assets onto the recording track.
// MIDI renders through the synthesizer first; everything else overlays as-is.
func (r *Recorder) mixAudio(ctx context.Context, rcfg config.RecordConfig, snap *store.Snapshot, urls []string, out *artifacts, work string, logger zerolog.Logger) error {
	var tracks []string
	for i, rawURL := range urls {
		ext := strings.ToLower(archive.MediaExtension(rawURL))
		local := filepath.Join(work, fmt.Sprintf("audio%d.%s", i, ext))
		target, ts := rawURL, snap.Timestamp
		if s, ok := archive.ParseSnapshotURL(rawURL); ok {
			target, ts = s.URL, s.Timestamp
		}
		if err := r.arch.Download(ctx, ts, target, local); err != nil {
			logger.Debug().Err(err).Str("url", rawURL).Msg("audio asset fetch failed")
			continue
		}
		if ext == "mid" || ext == "midi" {
			rendered := filepath.Join(work, fmt.Sprintf("audio%d.wav", i))
			if err := r.trans.RenderMIDI(ctx, local, rcfg.Soundfont, rendered); err != nil {
				logger.Debug().Err(err).Msg("midi render failed")
				continue
			}
			local = rendered
		}
		tracks = append(tracks, local)
	}
	if len(tracks) == 0 {
		return nil
	}
	mixed := filepath.Join(work, "mixed.mp4")
	if err := r.trans.OverlayAudio(ctx, out.upload, tracks, mixed); err != nil {
		return err
	}
	out.upload = mixed
	return nil
}

// writeback commits the capture: state transition, Recording row, final
// artifact names derived from the new recording id, files moved into their
// bucket, saved-URL rows.
func (r *Recorder) writeback(ctx context.Context, snap *store.Snapshot, plan *capturePlan, art *artifacts, saved []*store.SavedURL) error {
	now := time.Now().UTC()
	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.TransitionState(ctx, tx, snap.ID, snap.State, store.StateRecorded); err != nil {
			return err
		}
		if plan.mediaTitle != "" || plan.mediaAuthor != "" {
			if err := store.SetMediaTags(ctx, tx, snap.ID, plan.mediaTitle, plan.mediaAuthor); err != nil {
				return err
			}
		}
		rec := &store.Recording{
			SnapshotID:     snap.ID,
			HasAudio:       art.hasAudio,
			UploadFilename: "pending",
		}
		id, err := store.InsertRecording(ctx, tx, rec)
		if err != nil {
			return err
		}
		relDir := fsutil.BucketDir("", id, r.paths.BucketSize)
		upload := filepath.Join(relDir,
			fsutil.ArtifactName(id, snap.ID, snap.URLHost, now, fsutil.KindUpload, "mp4"))
		archiveName := filepath.Join(relDir,
			fsutil.ArtifactName(id, snap.ID, snap.URLHost, now, fsutil.KindArchive, "mp4"))
		narration := ""
		if art.narration != "" {
			narration = filepath.Join(relDir,
				fsutil.ArtifactName(id, snap.ID, snap.URLHost, now, fsutil.KindNarration, "mp4"))
		}
		if err := store.SetRecordingFiles(ctx, tx, id, upload, archiveName, narration); err != nil {
			return err
		}
		if err := r.place(art.upload, upload); err != nil {
			return err
		}
		if err := r.place(art.archive, archiveName); err != nil {
			return err
		}
		if narration != "" {
			if err := r.place(art.narration, narration); err != nil {
				return err
			}
		}
		if err := store.ClearPriority(ctx, tx, snap.ID, store.PriorityRecord); err != nil {
			return err
		}
		for _, su := range saved {
			su.RecordingID = &id
			if err := store.InsertSavedURL(ctx, tx, su); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Recorder) place(src, rel string) error {
	dest, err := fsutil.Confine(r.paths.Recordings, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dest)
}

// enqueueRedirectTarget stores where a redirected capture actually landed so
// the scout can walk it. The timestamp doubles as the digest placeholder
// until the scout resolves the real capture.
func (r *Recorder) enqueueRedirectTarget(ctx context.Context, snap *store.Snapshot, current string, logger zerolog.Logger) {
	target, ok := archive.ParseSnapshotURL(current)
	if !ok || target.URL == "" || !archive.ValidTimestamp(target.Timestamp) {
		return
	}
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		child := &store.Snapshot{
			ParentID:  &snap.ID,
			Depth:     snap.Depth + 1,
			State:     store.StateQueued,
			URL:       target.URL,
			Timestamp: target.Timestamp,
			URLKey:    archive.URLKey(target.URL),
			Digest:    target.Timestamp,
		}
		id, _, err := store.InsertSnapshot(ctx, tx, child)
		if err != nil {
			return err
		}
		return store.AddTopologyEdge(ctx, tx, snap.ID, id)
	})
	if err != nil {
		logger.Warn().Err(err).Str("target", current).Msg("redirect target enqueue failed")
		return
	}
	logger.Info().Str("target", current).Msg("redirect target enqueued")
}

// abort retires a failed capture. Published snapshots being re-recorded stay
// published; everything else moves to ABORTED. The record priority clears
// either way so the selector stops retrying immediately.
func (r *Recorder) abort(ctx context.Context, snap *store.Snapshot, saves []string) error {
	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		if snap.State == store.StateScouted {
			if err := store.TransitionState(ctx, tx, snap.ID, store.StateScouted, store.StateAborted); err != nil {
				return err
			}
		}
		if err := store.ClearPriority(ctx, tx, snap.ID, store.PriorityRecord); err != nil {
			return err
		}
		for _, u := range saves {
			su := &store.SavedURL{SnapshotID: snap.ID, URL: u, Failed: true}
			if err := store.InsertSavedURL(ctx, tx, su); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Recorder) applySyncFix(ctx context.Context, mode string) error {
	switch mode {
	case "", "none":
		return nil
	case "reload":
		_, err := r.driver.Eval(ctx, pluginReloadScript)
		return err
	case "reload-twice":
		if _, err := r.driver.Eval(ctx, pluginReloadScript); err != nil {
			return err
		}
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
		_, err := r.driver.Eval(ctx, pluginReloadScript)
		return err
	case "unload-reload":
		_, err := r.driver.Eval(ctx, pluginUnloadReloadScript)
		return err
	default:
		return fmt.Errorf("recorder: unknown sync fix %q", mode)
	}
}

func (r *Recorder) pokeLoop(ctx context.Context, script string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.driver.Eval(ctx, script) //nolint:errcheck
		}
	}
}

func watchdogDeadline(rcfg config.RecordConfig) time.Duration {
	return rcfg.PluginCrashTimeout + rcfg.PageLoadTimeout + rcfg.MaxDuration
}

// scrollCount plans how many scroll steps reach the bottom of the page.
func scrollCount(m browser.ScrollMetrics, step int) int {
	overflow := m.ScrollHeight - m.ClientHeight
	if overflow <= 0 || step <= 0 {
		return 0
	}
	return int(math.Ceil(float64(overflow) / float64(step)))
}

// captureDuration picks the clip length for a page capture: pages with
// plugins get the full budget, static pages the minimum plus scroll time.
func captureDuration(rcfg config.RecordConfig, plugins, scrolls int) time.Duration {
	if plugins > 0 {
		return rcfg.MaxDuration
	}
	d := rcfg.MinDuration + time.Duration(scrolls)*time.Second
	return clampDuration(d, rcfg.MinDuration, rcfg.MaxDuration)
}

// scheduleWaits splits a total duration into the post-load dwell and the
// per-scroll dwell.
func scheduleWaits(total time.Duration, scrolls int) (load, perScroll time.Duration) {
	if scrolls <= 0 {
		return total, 0
	}
	load = total / 2
	perScroll = (total - load) / time.Duration(scrolls)
	return load, perScroll
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		return min
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// Browser-side scripts. They run inside the replayed page, so everything is
// era-compatible DOM.
const (
	imgAltTextScript = `(function(){var is=document.getElementsByTagName('img');for(var i=0;i<is.length;i++){if(is[i].alt){var t=document.createTextNode(' '+is[i].alt+' ');is[i].parentNode.insertBefore(t,is[i]);}}})();`

	pluginReloadScript = `(function(){var es=document.getElementsByTagName('embed');for(var i=0;i<es.length;i++){var s=es[i].src;es[i].src='';es[i].src=s;}})();`

	pluginUnloadReloadScript = `(function(){var es=document.getElementsByTagName('embed');for(var i=0;i<es.length;i++){(function(e,s){e.src='';setTimeout(function(){e.src=s;},1500);})(es[i],es[i].src);}})();`

	pluginInputScript = `(function(){var es=document.getElementsByTagName('embed');for(var i=0;i<es.length;i++){try{es[i].focus();}catch(e){}}})();`

	viewpointCycleScript = `(function(){var es=document.getElementsByTagName('embed');for(var i=0;i<es.length;i++){try{if(es[i].nextViewpoint)es[i].nextViewpoint();}catch(e){}}})();`
)
