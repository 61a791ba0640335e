// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/browser"
	"github.com/oldweb/webtape/internal/browser/browsertest"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/proxybridge"
	"github.com/oldweb/webtape/internal/store"
)

const (
	seedURL = "http://example.com/"
	seedTS  = "19970612000000"
)

type fakeArchive struct {
	mu       sync.Mutex
	charset  string
	saveFail map[string]bool
	limited  map[string]bool
	saved    []string
}

func (a *fakeArchive) GuessedCharset(context.Context, string, string) (string, error) {
	return a.charset, nil
}

func (a *fakeArchive) Save(_ context.Context, rawURL string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limited[rawURL] {
		return "", false, archive.ErrRateLimited
	}
	if a.saveFail[rawURL] {
		return "", false, fmt.Errorf("save failed")
	}
	a.saved = append(a.saved, rawURL)
	return "https://web.archive.org/web/20260801000000/" + rawURL, false, nil
}

func (a *fakeArchive) Download(_ context.Context, _, _ string, dest string) error {
	return os.WriteFile(dest, []byte("MEDIA"), 0o644)
}

type fakeProxy struct {
	mu     sync.Mutex
	ts     string
	msgs   []*proxybridge.Message
	drains int
}

func (p *fakeProxy) SetTimestamp(ts string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ts = ts
	return nil
}

func (p *fakeProxy) ClearTimestamp() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ts = ""
	return nil
}

func (p *fakeProxy) Drain(_, _ time.Duration) ([]*proxybridge.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains++
	return p.msgs, nil
}

type fakeProber struct {
	result  media.ProbeResult
	silence time.Duration
}

func (p *fakeProber) Probe(context.Context, string) (media.ProbeResult, error) {
	return p.result, nil
}

func (p *fakeProber) SilenceDuration(context.Context, string) (time.Duration, error) {
	return p.silence, nil
}

// fakeTranscoder writes marker bytes so renames into the artifact tree have
// real files to move.
type fakeTranscoder struct {
	mu    sync.Mutex
	calls []string
}

func (t *fakeTranscoder) called(name, out string) error {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	t.mu.Unlock()
	if out == "" {
		return nil
	}
	return os.WriteFile(out, []byte(name), 0o644)
}

func (t *fakeTranscoder) Postprocess(_ context.Context, _, out string) error {
	return t.called("postprocess", out)
}
func (t *fakeTranscoder) ArchiveGrade(_ context.Context, _, out string) error {
	return t.called("archivegrade", out)
}
func (t *fakeTranscoder) RemuxTS(_ context.Context, _, out string) error {
	return t.called("remux", out)
}
func (t *fakeTranscoder) Transition(_ context.Context, _ media.ProbeResult, _ string, _ time.Duration, _, out string) error {
	return t.called("transition", out)
}
func (t *fakeTranscoder) Concat(_ context.Context, _, out string) error {
	return t.called("concat", out)
}
func (t *fakeTranscoder) MuxNarration(_ context.Context, _, out string) error {
	return t.called("muxnarration", out)
}
func (t *fakeTranscoder) OverlayAudio(_ context.Context, _ string, _ []string, out string) error {
	return t.called("overlayaudio", out)
}
func (t *fakeTranscoder) RenderMIDI(_ context.Context, _, _, out string) error {
	return t.called("rendermidi", out)
}
func (t *fakeTranscoder) Shrink(_ context.Context, _, out string, _ int64) error {
	return t.called("shrink", out)
}
func (t *fakeTranscoder) Segment(_ context.Context, in string, _ int) ([]string, error) {
	return []string{in}, t.called("segment", "")
}

type fakeNarrator struct {
	mu   sync.Mutex
	text string
}

func (n *fakeNarrator) Synthesize(_ context.Context, text, _, outPath string) error {
	n.mu.Lock()
	n.text = text
	n.mu.Unlock()
	return os.WriteFile(outPath, []byte("WAV"), 0o644)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "recorder.db")),
		store.NewHostPolicy(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedScouted(t *testing.T, s *store.Store, mutate func(*store.Snapshot)) int64 {
	t.Helper()
	snap := &store.Snapshot{
		State:        store.StateScouted,
		IsInitial:    true,
		URL:          seedURL,
		Timestamp:    seedTS,
		URLKey:       archive.URLKey(seedURL),
		Digest:       "SEED",
		PageTitle:    "Example Zone",
		PageLanguage: "en",
	}
	if mutate != nil {
		mutate(snap)
	}
	var id int64
	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, _, err = store.InsertSnapshot(context.Background(), tx, snap)
		return err
	})
	require.NoError(t, err)
	return id
}

func testRecordConfig() config.RecordConfig {
	cfg := config.Default().Record
	cfg.PageLoadTimeout = 50 * time.Millisecond
	cfg.PluginLoadWait = time.Millisecond
	cfg.CacheWait = time.Millisecond
	cfg.ProxyQuietWait = time.Millisecond
	cfg.ProxyTotalTimeout = 10 * time.Millisecond
	cfg.PluginCrashTimeout = time.Second
	cfg.MinDuration = 2 * time.Millisecond
	cfg.MaxDuration = 20 * time.Millisecond
	cfg.ScrollStep = 100
	cfg.MediaExtensions = []string{"wrl", "mid"}
	return cfg
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recorderEnv struct {
	rec     *Recorder
	store   *store.Store
	driver  *browsertest.FakeDriver
	capture *browsertest.FakeCapture
	killer  *browsertest.FakeKiller
	arch    *fakeArchive
	proxy   *fakeProxy
	prober  *fakeProber
	trans   *fakeTranscoder
	narr    *fakeNarrator
	paths   config.PathsConfig
}

func newTestRecorder(t *testing.T, cfg config.RecordConfig) *recorderEnv {
	t.Helper()
	env := &recorderEnv{
		store:   openTestStore(t),
		driver:  &browsertest.FakeDriver{},
		capture: &browsertest.FakeCapture{},
		killer:  &browsertest.FakeKiller{},
		arch:    &fakeArchive{},
		proxy:   &fakeProxy{},
		prober:  &fakeProber{result: media.ProbeResult{Duration: time.Second, HasAudioStream: true}},
		trans:   &fakeTranscoder{},
		narr:    &fakeNarrator{},
	}
	env.paths = config.PathsConfig{
		Recordings: filepath.Join(t.TempDir(), "recordings"),
		BucketSize: 100,
	}
	env.rec = New(cfg, env.paths, Deps{
		Store:      env.store,
		Selector:   store.NewSelector(env.store, nil),
		Archive:    env.arch,
		Driver:     env.driver,
		Capture:    env.capture,
		Killer:     env.killer,
		Proxy:      env.proxy,
		Prober:     env.prober,
		Transcoder: env.trans,
		Narrator:   env.narr,
	})
	return env
}

func getSnapshot(t *testing.T, s *store.Store, id int64) *store.Snapshot {
	t.Helper()
	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func TestIterateEmptyQueue(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestIterateRecordsPage(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, nil)

	env.driver.Metrics = browser.ScrollMetrics{ScrollHeight: 300, ClientHeight: 100}
	env.proxy.msgs = []*proxybridge.Message{
		{Kind: proxybridge.KindResponse, Status: 200, Mark: proxybridge.MarkOK,
			ContentType: "text/html", URL: seedURL, ID: "a"},
		{Kind: proxybridge.KindSave, URL: "http://example.com/lost.gif"},
	}

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	snap := getSnapshot(t, env.store, id)
	assert.Equal(t, store.StateRecorded, snap.State)

	rec, err := store.LatestUnprocessedRecording(context.Background(), env.store.DB(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.HasAudio)
	assert.Contains(t, rec.UploadFilename, "_upload.mp4")
	assert.Contains(t, rec.ArchiveFile, "_archive.mp4")
	for _, rel := range []string{rec.UploadFilename, rec.ArchiveFile} {
		_, statErr := os.Stat(filepath.Join(env.paths.Recordings, rel))
		assert.NoError(t, statErr, rel)
	}

	// The missing asset went to the save endpoint and got logged.
	assert.Contains(t, env.arch.saved, "http://example.com/lost.gif")
	assert.Equal(t, 1, env.proxy.drains)

	// Both passes navigated to the frame variant of the page.
	require.Len(t, env.driver.NavigatedTo, 2)
	assert.Contains(t, env.driver.NavigatedTo[0], seedTS+archive.ModifierIframe)
	assert.True(t, env.capture.Stopped)
	assert.Greater(t, env.driver.Scrolled, 0)
}

func TestIterateNarrates(t *testing.T) {
	cfg := testRecordConfig()
	cfg.Narrate = true
	env := newTestRecorder(t, cfg)
	id := seedScouted(t, env.store, nil)
	env.driver.PageFrames = []browser.Frame{{Text: "welcome to my home page"}}

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	assert.Contains(t, env.narr.text, "welcome to my home page")
	rec, err := store.LatestUnprocessedRecording(context.Background(), env.store.DB(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Contains(t, rec.NarrationFile, "_tts.mp4")
	_, statErr := os.Stat(filepath.Join(env.paths.Recordings, rec.NarrationFile))
	assert.NoError(t, statErr)
}

func TestIterateAbortsOnRedirect(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, nil)
	env.driver.RedirectTo = "https://web.archive.org/web/19991231000000if_/http://elsewhere.net/"

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	snap := getSnapshot(t, env.store, id)
	assert.Equal(t, store.StateAborted, snap.State)
	rec, err := store.LatestUnprocessedRecording(context.Background(), env.store.DB(), id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The place the browser actually landed queues up for scouting.
	target, err := store.FindSnapshotByCapture(context.Background(), env.store.DB(),
		"http://elsewhere.net/", "19991231000000")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, store.StateQueued, target.State)
	assert.Equal(t, snap.Depth+1, target.Depth)
	require.NotNil(t, target.ParentID)
	assert.Equal(t, id, *target.ParentID)
}

func TestIterateAbortsOnNavigationError(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, nil)
	env.driver.NavErr = fmt.Errorf("%w: timeout", browser.ErrNavigation)

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, store.StateAborted, getSnapshot(t, env.store, id).State)
}

func TestIterateSessionErrorEndsBatch(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, nil)
	env.driver.NavErr = fmt.Errorf("%w: browser crashed", browser.ErrSession)

	_, err := env.rec.Iterate(context.Background())
	require.ErrorIs(t, err, browser.ErrSession)
	// No verdict on the snapshot; the next batch retries it.
	assert.Equal(t, store.StateScouted, getSnapshot(t, env.store, id).State)
}

func TestIterateFailedCaptureAborts(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, nil)
	env.capture.Result = browser.CaptureResult{OK: false, File: "raw"}

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, store.StateAborted, getSnapshot(t, env.store, id).State)
}

func TestIterateRecordsEmbeddableMedia(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	id := seedScouted(t, env.store, func(s *store.Snapshot) {
		s.IsMedia = true
		s.MediaExtension = "wrl"
		s.URL = "http://example.com/world.wrl"
	})

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, store.StateRecorded, getSnapshot(t, env.store, id).State)

	// Media records through a generated local page embedding the oe_ variant.
	require.NotEmpty(t, env.driver.NavigatedTo)
	assert.True(t, strings.HasPrefix(env.driver.NavigatedTo[0], "file://"))
}

func TestIterateDownloadsDirectMedia(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	env.prober.result.Title = "Example Song"
	env.prober.result.Author = "Example Artist"
	seedScouted(t, env.store, func(s *store.Snapshot) {
		s.IsMedia = true
		s.MediaExtension = "mid"
		s.URL = "http://example.com/song.mid"
	})

	worked, err := env.rec.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	// The probed tags landed on the snapshot row.
	snap, err := store.FindSnapshotByCapture(context.Background(), env.store.DB(),
		"http://example.com/song.mid", seedTS)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, store.StateRecorded, snap.State)
	assert.Equal(t, "Example Song", snap.MediaTitle)
	assert.Equal(t, "Example Artist", snap.MediaAuthor)
}

func TestRedirected(t *testing.T) {
	target := archive.SnapshotURL{Timestamp: seedTS, Modifier: archive.ModifierIframe, URL: seedURL}
	tests := []struct {
		name    string
		current string
		count   int
		want    bool
	}{
		{"same page", target.String(), 0, false},
		{"case and escaping differ", "https://web.archive.org/web/" + seedTS + "if_/http://EXAMPLE.com/", 0, false},
		{"browser counted a redirect", target.String(), 1, true},
		{"timestamp moved", "https://web.archive.org/web/19991231000000if_/" + seedURL, 0, true},
		{"different host", "https://web.archive.org/web/" + seedTS + "if_/http://other.net/", 0, true},
		{"left the archive", "http://example.com/", 0, true},
		{"query string ignored", target.String() + "?session=42", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redirected(target, tt.current, tt.count))
		})
	}
}

func TestNeighborURL(t *testing.T) {
	assert.Equal(t, "http://example.com/maps/level5.dat",
		neighborURL("http://example.com/maps/level3.dat", 5))
	assert.Equal(t, "", neighborURL("http://example.com/readme.txt", 2))

	n, ok := trailingNumber("http://example.com/maps/level3.dat")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = trailingNumber("http://example.com/readme.txt")
	assert.False(t, ok)
}

func TestBackfillProbesNeighbors(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	env.arch.saveFail = map[string]bool{
		"http://example.com/level4.dat": true,
		"http://example.com/level5.dat": true,
		"http://example.com/level2.dat": true,
	}

	rows := env.rec.backfill(context.Background(), backfillConfig{
		Neighbors:      true,
		MaxConsecutive: 2,
		MaxTotal:       10,
	}, 1, []string{"http://example.com/level3.dat"})

	// Seed plus upward probes 4,5 (two consecutive failures stop the
	// direction) plus downward probes 2 (fail), 1, 0 (k<0 ends).
	urls := make([]string, 0, len(rows))
	failed := 0
	for _, row := range rows {
		urls = append(urls, row.URL)
		if row.Failed {
			failed++
		}
	}
	assert.ElementsMatch(t, []string{
		"http://example.com/level3.dat",
		"http://example.com/level4.dat",
		"http://example.com/level5.dat",
		"http://example.com/level2.dat",
		"http://example.com/level1.dat",
		"http://example.com/level0.dat",
	}, urls)
	assert.Equal(t, 3, failed)
}

func TestBackfillStopsOnRateLimit(t *testing.T) {
	env := newTestRecorder(t, testRecordConfig())
	env.arch.limited = map[string]bool{"http://example.com/a.gif": true}

	rows := env.rec.backfill(context.Background(), backfillConfig{}, 1,
		[]string{"http://example.com/a.gif", "http://example.com/b.gif"})

	require.Len(t, rows, 1)
	assert.True(t, rows[0].Failed)
	assert.Empty(t, env.arch.saved)
}

func TestWatchdogFires(t *testing.T) {
	killer := &browsertest.FakeKiller{}
	wd := StartWatchdog(5*time.Millisecond, killer, testLogger())
	assert.Eventually(t, func() bool { return killer.KillCount() == 1 },
		time.Second, time.Millisecond)
	assert.True(t, wd.Stop())
}

func TestWatchdogStopDisarms(t *testing.T) {
	killer := &browsertest.FakeKiller{}
	wd := StartWatchdog(time.Hour, killer, testLogger())
	assert.False(t, wd.Stop())
	assert.Equal(t, 0, killer.KillCount())
}

func TestEmbeddable(t *testing.T) {
	assert.True(t, Embeddable("wrl"))
	assert.True(t, Embeddable("RAM"))
	assert.False(t, Embeddable("mid"))
	assert.False(t, Embeddable(""))
}

func TestWriteMediaPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.html")
	require.NoError(t, WriteMediaPage(path, `3D <World> & "More"`, "https://example.com/w.wrl"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(b)
	assert.Contains(t, html, `src="https://example.com/w.wrl"`)
	assert.Contains(t, html, "3D &lt;World&gt;")
	assert.NotContains(t, html, "<World>")
}

func TestScheduleWaits(t *testing.T) {
	load, per := scheduleWaits(10*time.Second, 0)
	assert.Equal(t, 10*time.Second, load)
	assert.Equal(t, time.Duration(0), per)

	load, per = scheduleWaits(10*time.Second, 5)
	assert.Equal(t, 5*time.Second, load)
	assert.Equal(t, time.Second, per)
}

func TestScrollCount(t *testing.T) {
	assert.Equal(t, 0, scrollCount(browser.ScrollMetrics{ScrollHeight: 100, ClientHeight: 100}, 120))
	assert.Equal(t, 2, scrollCount(browser.ScrollMetrics{ScrollHeight: 300, ClientHeight: 100}, 120))
	assert.Equal(t, 0, scrollCount(browser.ScrollMetrics{ScrollHeight: 300, ClientHeight: 100}, 0))
}
