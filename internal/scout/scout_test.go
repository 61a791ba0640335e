// SPDX-License-Identifier: MIT

package scout

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/browser"
	"github.com/oldweb/webtape/internal/browser/browsertest"
	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/store"
)

const (
	seedURL = "http://example.com/"
	seedTS  = "19970612000000"
)

type fakeResolver struct {
	captures map[string]*archive.BestCapture
	errs     map[string]error
	enriched map[string]string
	calls    []string
}

func (r *fakeResolver) FindBest(_ context.Context, _, rawURL string) (*archive.BestCapture, error) {
	r.calls = append(r.calls, rawURL)
	if err, ok := r.errs[rawURL]; ok {
		return nil, err
	}
	if c, ok := r.captures[rawURL]; ok {
		return c, nil
	}
	return nil, archive.ErrNoCapture
}

func (r *fakeResolver) Enrich(_ context.Context, _, rawURL string) (string, error) {
	return r.enriched[rawURL], nil
}

func pageCapture(rawURL, ts string) *archive.BestCapture {
	return &archive.BestCapture{
		Capture: archive.Capture{Original: rawURL, Timestamp: ts, StatusCode: 200,
			MimeType: "text/html", Digest: "D" + ts},
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "scout.db")),
		store.NewHostPolicy(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedQueued(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var id int64
	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, _, err = store.InsertSnapshot(context.Background(), tx, &store.Snapshot{
			State:     store.StateQueued,
			IsInitial: true,
			URL:       seedURL,
			Timestamp: seedTS,
			URLKey:    archive.URLKey(seedURL),
			Digest:    "SEED",
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func newTestScout(t *testing.T, s *store.Store, res *fakeResolver, driver browser.Driver) *Scout {
	t.Helper()
	cfg := config.ScoutConfig{MaxDepth: 5, MaxRequiredDepth: 2}
	vocab := []store.VocabEntry{
		{Word: "game", Points: 3},
		{Word: "retro", IsTag: true, Points: 10},
	}
	sc, err := New(cfg, vocab, s, store.NewSelector(s, nil), res, driver)
	require.NoError(t, err)
	return sc
}

func TestIterateEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	sc := newTestScout(t, s, &fakeResolver{}, &browsertest.FakeDriver{})

	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestIterateScoutsPage(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	frameURL := "https://web.archive.org/web/" + seedTS + "if_/" + seedURL
	driver := &browsertest.FakeDriver{
		PageFrames: []browser.Frame{{
			URL: frameURL,
			HTML: `<html><body>
				<a href="/web/19970612000000/http://example.com/next.html">next</a>
				<a href="http://other.net/zone/">zone</a>
				<a href="https://web.archive.org/about">about the archive</a>
				<a href="/web/19970612000000/http://redirector.com/go?url=http://hidden.org/">go</a>
			</body></html>`,
			Text: "a game about another game and fun",
		}},
		EvalResults: map[string]string{"document.title": "Example Zone"},
	}
	res := &fakeResolver{
		captures: map[string]*archive.BestCapture{
			"http://example.com/next.html": pageCapture("http://example.com/next.html", "19970701000000"),
			"http://other.net/zone/":       pageCapture("http://other.net/zone/", "19970801000000"),
			"http://hidden.org/":           pageCapture("http://hidden.org/", "19970901000000"),
		},
		enriched: map[string]string{"http://other.net/zone/": "19950101000000"},
	}

	sc := newTestScout(t, s, res, driver)
	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	ctx := context.Background()
	snap, err := store.GetSnapshot(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateScouted, snap.State)
	assert.Equal(t, "Example Zone", snap.PageTitle)
	require.NotNil(t, snap.Points)
	assert.Equal(t, 3.0, *snap.Points, "one scoring word, capped at one occurrence")

	child, err := store.FindSnapshotByCapture(ctx, s.DB(), "http://other.net/zone/", "19970801000000")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, store.StateQueued, child.State)
	assert.Equal(t, "19950101000000", child.LastModified)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, id, *child.ParentID)

	hidden, err := store.FindSnapshotByCapture(ctx, s.DB(), "http://hidden.org/", "19970901000000")
	require.NoError(t, err)
	assert.NotNil(t, hidden, "query-string target must be discovered")

	assert.NotContains(t, res.calls, "https://web.archive.org/about",
		"archive self-links are never resolved")
}

func TestIterateMediaChildSkipsQueue(t *testing.T) {
	s := openTestStore(t)
	seedQueued(t, s)

	frameURL := "https://web.archive.org/web/" + seedTS + "if_/" + seedURL
	driver := &browsertest.FakeDriver{
		PageFrames: []browser.Frame{{
			URL:  frameURL,
			HTML: `<a href="http://example.com/world.wrl">enter</a>`,
		}},
	}
	res := &fakeResolver{captures: map[string]*archive.BestCapture{
		"http://example.com/world.wrl": {
			Capture: archive.Capture{Original: "http://example.com/world.wrl",
				Timestamp: "19970613000000", StatusCode: 200,
				MimeType: "x-world/x-vrml", Digest: "DW"},
			IsMedia:        true,
			MediaExtension: "wrl",
		},
	}}

	sc := newTestScout(t, s, res, driver)
	_, err := sc.Iterate(context.Background())
	require.NoError(t, err)

	child, err := store.FindSnapshotByCapture(context.Background(), s.DB(),
		"http://example.com/world.wrl", "19970613000000")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, store.StateScouted, child.State, "media enters the pipeline ready to record")
	assert.True(t, child.IsMedia)
	assert.Equal(t, "wrl", child.MediaExtension)
}

func TestIterateCountsTagVocabularyFromMarkup(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	// The element name never shows up in the rendered text, only in markup.
	driver := &browsertest.FakeDriver{
		PageFrames: []browser.Frame{{
			URL:  "https://web.archive.org/web/" + seedTS + "if_/" + seedURL,
			HTML: `<html><body><marquee>welcome to my page</marquee></body></html>`,
			Text: "welcome to my page",
		}},
	}
	vocab := []store.VocabEntry{{Word: "marquee", IsTag: true, Points: 10}}
	sc, err := New(config.ScoutConfig{MaxDepth: 5}, vocab, s, store.NewSelector(s, nil),
		&fakeResolver{}, driver)
	require.NoError(t, err)

	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	require.NotNil(t, snap.Points, "tag vocabulary must score from element names")
	assert.Equal(t, 10.0, *snap.Points)
}

func TestIterateDetectsPlugins(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	driver := &browsertest.FakeDriver{
		PageFrames: []browser.Frame{{
			URL:  "https://web.archive.org/web/" + seedTS + "if_/" + seedURL,
			HTML: `<html><body><EMBED src="theme.mid" autostart="true"></body></html>`,
		}},
	}
	sc := newTestScout(t, s, &fakeResolver{}, driver)
	_, err := sc.Iterate(context.Background())
	require.NoError(t, err)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	assert.True(t, snap.PageUsesPlugins)
}

func TestIterateFlipsMislabeledMedia(t *testing.T) {
	s := openTestStore(t)
	var id int64
	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, _, err = store.InsertSnapshot(context.Background(), tx, &store.Snapshot{
			State:     store.StateQueued,
			URL:       "http://example.com/download.zip",
			Timestamp: seedTS,
			URLKey:    archive.URLKey("http://example.com/download.zip"),
			Digest:    "ZIP",
		})
		return err
	})
	require.NoError(t, err)

	driver := &browsertest.FakeDriver{Blank: true}
	sc := newTestScout(t, s, &fakeResolver{}, driver)
	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateScouted, snap.State)
	assert.True(t, snap.IsMedia)
	assert.Equal(t, "zip", snap.MediaExtension)
}

func TestIterateRedirectInvalidatesAndQueuesTarget(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	driver := &browsertest.FakeDriver{
		RedirectTo: "https://web.archive.org/web/19980101000000if_/http://moved.example.org/",
	}
	res := &fakeResolver{captures: map[string]*archive.BestCapture{
		"http://moved.example.org/": pageCapture("http://moved.example.org/", "19980101000000"),
	}}
	sc := newTestScout(t, s, res, driver)
	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	ctx := context.Background()
	snap, err := store.GetSnapshot(ctx, s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateInvalid, snap.State)

	target, err := store.FindSnapshotByCapture(ctx, s.DB(), "http://moved.example.org/", "19980101000000")
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, store.StateQueued, target.State)
	assert.Equal(t, 0, target.Depth, "target takes the invalidated row's place")
}

func TestIterateNavigationErrorInvalidates(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	driver := &browsertest.FakeDriver{
		NavErr: fmt.Errorf("%w: load timed out", browser.ErrNavigation),
	}
	sc := newTestScout(t, s, &fakeResolver{}, driver)
	worked, err := sc.Iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, worked, "a bad page is still progress")

	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateInvalid, snap.State)
}

func TestIterateSessionErrorEndsBatch(t *testing.T) {
	s := openTestStore(t)
	id := seedQueued(t, s)

	driver := &browsertest.FakeDriver{
		NavErr: fmt.Errorf("%w: connection refused", browser.ErrSession),
	}
	sc := newTestScout(t, s, &fakeResolver{}, driver)
	_, err := sc.Iterate(context.Background())
	assert.ErrorIs(t, err, browser.ErrSession)

	snap, err := store.GetSnapshot(context.Background(), s.DB(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, snap.State, "snapshot stays queued for the next session")
}

func TestRefreshVocabulary(t *testing.T) {
	s := openTestStore(t)
	sc := newTestScout(t, s, &fakeResolver{}, &browsertest.FakeDriver{})

	require.NoError(t, sc.RefreshVocabulary(context.Background()))
	vocab, err := store.Vocabulary(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Len(t, vocab, 2)

	// Dropping a word from config removes it once nothing references it.
	sc.SetVocabulary([]store.VocabEntry{{Word: "game", Points: 3}})
	require.NoError(t, sc.RefreshVocabulary(context.Background()))
	vocab, err = store.Vocabulary(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Len(t, vocab, 2, "words with non-default attributes are kept")
}

func TestExtractLinksResolvesRelative(t *testing.T) {
	links := extractLinks("https://web.archive.org/web/19970612000000if_/http://example.com/dir/",
		`<a href="../up.html">up</a><a href="sub/page.html">sub</a>`)
	assert.Contains(t, links, "https://web.archive.org/web/19970612000000if_/http://example.com/up.html")
	assert.Contains(t, links, "https://web.archive.org/web/19970612000000if_/http://example.com/dir/sub/page.html")
}

func TestCountElements(t *testing.T) {
	counts := countElements([]browser.Frame{{
		HTML: `<body><marquee>hi</marquee><blink>x</blink><marquee>again</marquee></body>`,
	}})
	assert.Equal(t, 2, counts["marquee"])
	assert.Equal(t, 1, counts["blink"])
	assert.Zero(t, counts["applet"])
}

func TestUsesPlugins(t *testing.T) {
	frames := func(src string) []browser.Frame { return []browser.Frame{{HTML: src}} }
	assert.True(t, usesPlugins(frames(`<body><bgsound src="a.mid"></body>`)))
	assert.True(t, usesPlugins(frames(`<object classid="clsid:X"></object>`)))
	assert.False(t, usesPlugins(frames(`<body><img src="a.gif"></body>`)))
}
