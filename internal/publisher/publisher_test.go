// SPDX-License-Identifier: MIT

package publisher

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/store"
)

type fakePost struct {
	parent string
	status string
	video  string
}

type fakeBackend struct {
	name  string
	fail  bool
	posts []fakePost
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Post(_ context.Context, status, videoPath string, _ bool) (string, error) {
	if b.fail {
		return "", fmt.Errorf("backend down")
	}
	b.posts = append(b.posts, fakePost{status: status, video: videoPath})
	return fmt.Sprintf("%s-%d", b.name, len(b.posts)), nil
}

func (b *fakeBackend) Reply(_ context.Context, parentID, status, videoPath string) (string, error) {
	if b.fail {
		return "", fmt.Errorf("backend down")
	}
	b.posts = append(b.posts, fakePost{parent: parentID, status: status, video: videoPath})
	return fmt.Sprintf("%s-%d", b.name, len(b.posts)), nil
}

type fakeProber struct {
	duration time.Duration
}

func (p *fakeProber) Probe(context.Context, string) (media.ProbeResult, error) {
	return media.ProbeResult{Duration: p.duration}, nil
}

func (p *fakeProber) SilenceDuration(context.Context, string) (time.Duration, error) {
	return 0, nil
}

type fakeTranscoder struct {
	media.Transcoder
	shrunk   []string
	segments int
}

func (t *fakeTranscoder) Shrink(_ context.Context, _, out string, _ int64) error {
	t.shrunk = append(t.shrunk, out)
	return os.WriteFile(out, []byte("small"), 0o644)
}

func (t *fakeTranscoder) Segment(_ context.Context, in string, _ int) ([]string, error) {
	t.segments++
	return []string{in + ".part1", in + ".part2"}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "publisher.db")),
		store.NewHostPolicy(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type seedOpts struct {
	state     store.State
	narration bool
	videoSize int
}

func seed(t *testing.T, s *store.Store, dir string, o seedOpts) (int64, int64) {
	t.Helper()
	if o.state == 0 {
		o.state = store.StateApproved
	}
	if o.videoSize == 0 {
		o.videoSize = 10
	}
	var snapID, recID int64
	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		var err error
		snapID, _, err = store.InsertSnapshot(context.Background(), tx, &store.Snapshot{
			State:           o.state,
			URL:             "http://example.com/",
			Timestamp:       "19970612000000",
			URLKey:          archive.URLKey("http://example.com/"),
			Digest:          "SEED",
			PageTitle:       "Example Zone",
			PageUsesPlugins: true,
		})
		if err != nil {
			return err
		}
		rec := &store.Recording{
			SnapshotID:     snapID,
			UploadFilename: "1000/1_upload.mp4",
		}
		if o.narration {
			rec.NarrationFile = "1000/1_tts.mp4"
		}
		recID, err = store.InsertRecording(context.Background(), tx, rec)
		if err != nil {
			return err
		}
		return store.SetRecordingFiles(context.Background(), tx, recID,
			rec.UploadFilename, "", rec.NarrationFile)
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1000"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1000", "1_upload.mp4"),
		make([]byte, o.videoSize), 0o644))
	if o.narration {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "1000", "1_tts.mp4"),
			[]byte("TTS"), 0o644))
	}
	return snapID, recID
}

func newTestPublisher(t *testing.T, s *store.Store, dir string, prober *fakeProber, trans *fakeTranscoder) *Publisher {
	t.Helper()
	if prober == nil {
		prober = &fakeProber{duration: 30 * time.Second}
	}
	if trans == nil {
		trans = &fakeTranscoder{}
	}
	cfg := config.Default().Publish
	return New(cfg, config.PathsConfig{Recordings: dir}, true,
		s, store.NewSelector(s, nil), prober, trans)
}

func TestIterateEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	p := newTestPublisher(t, s, t.TempDir(), nil, nil)
	p.AddBackend(&fakeBackend{name: "mastodon"}, config.BackendConfig{})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestIteratePublishes(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	snapID, _ := seed(t, s, dir, seedOpts{})
	p := newTestPublisher(t, s, dir, nil, nil)
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{MaxVideoBytes: 1 << 20})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePublished, snap.State)

	require.Len(t, masto.posts, 1)
	assert.Contains(t, masto.posts[0].status, "Example Zone")
	assert.Contains(t, masto.posts[0].status, "12.06.1997")
	assert.Contains(t, masto.posts[0].status, "https://web.archive.org/web/19970612000000/http://example.com/")

	// Idempotence: the processed recording never surfaces again.
	rec, err := store.LatestUnprocessedRecording(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	worked, err = p.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Len(t, masto.posts, 1)
}

func TestIterateStoresBackendIDs(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	snapID, recID := seed(t, s, dir, seedOpts{})
	p := newTestPublisher(t, s, dir, nil, nil)
	p.AddBackend(&fakeBackend{name: "twitter"}, config.BackendConfig{})
	p.AddBackend(&fakeBackend{name: "mastodon"}, config.BackendConfig{})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	_ = snapID

	rows, err := s.DB().Query(`SELECT twitter_id, mastodon_id FROM recordings WHERE id = ?`, recID)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var twitterID, mastodonID sql.NullString
	require.NoError(t, rows.Scan(&twitterID, &mastodonID))
	assert.Equal(t, "twitter-1", twitterID.String)
	assert.Equal(t, "mastodon-1", mastodonID.String)
}

func TestIterateBackendFailureDoesNotPublish(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	snapID, _ := seed(t, s, dir, seedOpts{})
	p := newTestPublisher(t, s, dir, nil, nil)
	p.AddBackend(&fakeBackend{name: "mastodon", fail: true}, config.BackendConfig{})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	// The recording stays queued for the next batch.
	snap, err := store.GetSnapshot(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.Equal(t, store.StateApproved, snap.State)
	rec, err := store.LatestUnprocessedRecording(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestIteratePartialBackendFailureStillPublishes(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	snapID, _ := seed(t, s, dir, seedOpts{})
	p := newTestPublisher(t, s, dir, nil, nil)
	p.AddBackend(&fakeBackend{name: "twitter", fail: true}, config.BackendConfig{})
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Len(t, masto.posts, 1)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePublished, snap.State)
}

func TestIterateShrinksOversizeVideo(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	seed(t, s, dir, seedOpts{videoSize: 2048})
	trans := &fakeTranscoder{}
	p := newTestPublisher(t, s, dir, nil, trans)
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{MaxVideoBytes: 1024, Transcode: true})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	require.Len(t, trans.shrunk, 1)
	require.Len(t, masto.posts, 1)
	assert.Equal(t, trans.shrunk[0], masto.posts[0].video)
}

func TestIterateOversizeWithoutTranscodeSkipsBackend(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	snapID, _ := seed(t, s, dir, seedOpts{videoSize: 2048})
	p := newTestPublisher(t, s, dir, nil, nil)
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{MaxVideoBytes: 1024})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Empty(t, masto.posts)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), snapID)
	require.NoError(t, err)
	assert.Equal(t, store.StateApproved, snap.State)
}

func TestIterateRepliesWithSegmentedNarration(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	seed(t, s, dir, seedOpts{narration: true})
	prober := &fakeProber{duration: 10 * time.Minute}
	trans := &fakeTranscoder{}
	p := newTestPublisher(t, s, dir, prober, trans)
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{MaxDuration: 5 * time.Minute})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	// Main post plus two narration segments chained as replies.
	require.Len(t, masto.posts, 3)
	assert.Equal(t, 1, trans.segments)
	assert.Equal(t, "mastodon-1", masto.posts[1].parent)
	assert.Equal(t, "mastodon-2", masto.posts[2].parent)
	assert.Contains(t, masto.posts[1].status, "1/2")
	assert.Contains(t, masto.posts[2].status, "2/2")
}

func TestIterateShortNarrationSingleReply(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	seed(t, s, dir, seedOpts{narration: true})
	trans := &fakeTranscoder{}
	p := newTestPublisher(t, s, dir, &fakeProber{duration: time.Minute}, trans)
	masto := &fakeBackend{name: "mastodon"}
	p.AddBackend(masto, config.BackendConfig{MaxDuration: 5 * time.Minute})

	worked, err := p.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	require.Len(t, masto.posts, 2)
	assert.Equal(t, 0, trans.segments)
	assert.Equal(t, "narration", masto.posts[1].status)
}

func TestStatusText(t *testing.T) {
	snap := &store.Snapshot{
		PageTitle:       "A Very Long Page Title About Many Things That Keeps Going",
		URL:             "http://example.com/",
		Timestamp:       "19970612000000",
		PageUsesPlugins: true,
	}
	text := StatusText(snap, 20)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 3)
	assert.LessOrEqual(t, len([]rune(lines[0])), 20)
	assert.True(t, strings.HasSuffix(lines[0], "…"))
	assert.Contains(t, lines[1], "12.06.1997")
	assert.Contains(t, lines[1], "\U0001F579")
	assert.Equal(t, "https://web.archive.org/web/19970612000000/http://example.com/", lines[2])
}

func TestStatusTextMediaTags(t *testing.T) {
	snap := &store.Snapshot{
		IsMedia:     true,
		MediaTitle:  "Space Anthem",
		MediaAuthor: "Tracker Kid",
		URL:         "http://example.com/song.mid",
		Timestamp:   "19970612000000",
	}
	text := StatusText(snap, 80)
	assert.Contains(t, text, "Space Anthem")
	assert.NotContains(t, text, "Space Anthem by Tracker Kid\nSpace Anthem")
	assert.Contains(t, text, "http://example.com/song.mid")
}
