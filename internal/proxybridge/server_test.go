// SPDX-License-Identifier: MIT

package proxybridge

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg ServerConfig, upstream http.Handler) (*Server, *httptest.Server, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(upstream)
	t.Cleanup(ts.Close)
	if cfg.WebHost == "" {
		cfg.WebHost = ts.URL
	}
	if cfg.CDXURL == "" {
		cfg.CDXURL = ts.URL + "/cdx"
	}
	cfg.CDXRPS = 1000
	cfg.LiveProbeRPS = 1000
	out := &bytes.Buffer{}
	s := NewServer(cfg, out)
	t.Cleanup(s.hc.CloseIdleConnections)
	return s, ts, out
}

func proxyGet(s *Server, rawURL string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func emitted(t *testing.T, out *bytes.Buffer) []*Message {
	t.Helper()
	var msgs []*Message
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" || line == ackLine {
			continue
		}
		m, err := ParseMessage(line)
		require.NoError(t, err, "line %q", line)
		msgs = append(msgs, m)
	}
	return msgs
}

func lastResponse(t *testing.T, out *bytes.Buffer) *Message {
	t.Helper()
	msgs := emitted(t, out)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == KindResponse {
			return msgs[i]
		}
	}
	t.Fatal("no RESPONSE emitted")
	return nil
}

func TestTransparentPassThrough(t *testing.T) {
	s, ts, out := newTestServer(t, ServerConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "hello")
	}))

	rec := proxyGet(s, ts.URL+"/page", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	msgs := emitted(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindRequest, msgs[0].Kind)
	assert.Equal(t, ts.URL+"/page", msgs[0].URL)
	assert.Equal(t, KindResponse, msgs[1].Kind)
	assert.Equal(t, MarkOK, msgs[1].Mark)
	assert.Equal(t, "text/html", msgs[1].ContentType)
	assert.NotEmpty(t, msgs[1].ID)
}

func TestScopedBlocksNonArchiveTraffic(t *testing.T) {
	s, _, out := newTestServer(t, ServerConfig{BlockNonArchive: true}, http.NotFoundHandler())
	s.setTimestamp("19970612000000")

	rec := proxyGet(s, "http://ads.example.com/beacon.gif", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, MarkBlocked, lastResponse(t, out).Mark)
}

func TestScopedRewritesFrameToIframeVariant(t *testing.T) {
	s, ts, out := newTestServer(t, ServerConfig{}, http.NotFoundHandler())
	s.setTimestamp("19970612000000")

	hdr := http.Header{}
	hdr.Set("Referer", ts.URL+"/web/19970612000000/http://example.com/frameset.html")
	rec := proxyGet(s, ts.URL+"/web/19970612000000/http://example.com/nav.html", hdr)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, ts.URL+"/web/19970612000000if_/http://example.com/nav.html",
		rec.Header().Get("Location"))
	assert.Equal(t, MarkRewritten, lastResponse(t, out).Mark)
}

func TestScopedTopLevelPageNotRewritten(t *testing.T) {
	s, ts, out := newTestServer(t, ServerConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "page")
	}))
	s.setTimestamp("19970612000000")

	// No referer: the navigation came from the recorder itself, keep it.
	rec := proxyGet(s, ts.URL+"/web/19970612000000/http://example.com/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MarkOK, lastResponse(t, out).Mark)
}

func TestScopedCDXFallback(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cdx" {
			assert.Equal(t, "http://old.example.com/a.gif", r.URL.Query().Get("url"))
			fmt.Fprintln(w, "http://old.example.com/a.gif 19970301000000 200 image/gif ABCDEF")
			fmt.Fprintln(w, "http://old.example.com/a.gif 19991231000000 200 image/gif FEDCBA")
			return
		}
		http.NotFound(w, r)
	})
	s, ts, out := newTestServer(t, ServerConfig{}, upstream)
	s.setTimestamp("19970101000000")

	rec := proxyGet(s, ts.URL+"/web/19970101000000/http://old.example.com/a.gif", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, ts.URL+"/web/19970301000000/http://old.example.com/a.gif",
		rec.Header().Get("Location"), "nearest capture to the scoped timestamp wins")
	assert.Equal(t, MarkCDX, lastResponse(t, out).Mark)
}

func TestScopedCDXFallbackSearchesSubdomains(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cdx" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("matchType") != "domain" {
			return // no captures for the exact URL
		}
		assert.Equal(t, "example.com", r.URL.Query().Get("url"))
		assert.Contains(t, strings.Join(r.URL.Query()["filter"], " "), "flame",
			"the domain search must be narrowed to the request path")
		fmt.Fprintln(w, "http://www2.example.com/gifs/flame.gif 19970301000000 200 image/gif ABCDEF")
	})
	s, ts, out := newTestServer(t, ServerConfig{}, upstream)
	s.setTimestamp("19970101000000")

	rec := proxyGet(s, ts.URL+"/web/19970101000000/http://www.example.com/gifs/flame.gif", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, ts.URL+"/web/19970301000000/http://www2.example.com/gifs/flame.gif",
		rec.Header().Get("Location"), "same path on a sibling subdomain is a valid replacement")
	assert.Equal(t, MarkCDX, lastResponse(t, out).Mark)
}

func TestScopedMissingAssetProbesLiveWeb(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/cdx":
			// no captures known
		case r.URL.Path == "/live.mid" && r.Method == http.MethodHead:
			// alive
		default:
			http.NotFound(w, r)
		}
	})
	s, ts, out := newTestServer(t, ServerConfig{LiveProbe: true}, upstream)
	s.setTimestamp("19970101000000")

	liveURL := ts.URL + "/live.mid"
	rec := proxyGet(s, ts.URL+"/web/19970101000000/"+liveURL, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	msgs := emitted(t, out)
	var save *Message
	for _, m := range msgs {
		if m.Kind == KindSave {
			save = m
		}
	}
	require.NotNil(t, save, "still-live original must be queued for archiving")
	assert.Equal(t, liveURL, save.URL)
	assert.Equal(t, MarkMissing, lastResponse(t, out).Mark)
}

func TestRealMediaPlaylistEmitsStream(t *testing.T) {
	s, ts, out := newTestServer(t, ServerConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-pn-realaudio")
		fmt.Fprintln(w, "rtsp://media.example.com/concert.rm")
	}))

	rec := proxyGet(s, ts.URL+"/playlist.ram", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rtsp://")

	var ram *Message
	for _, m := range emitted(t, out) {
		if m.Kind == KindRAM {
			ram = m
		}
	}
	require.NotNil(t, ram)
	assert.Equal(t, "rtsp://media.example.com/concert.rm", ram.URL)
}

func TestVRMLRedirectFlattened(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/texture.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "JPEGBYTES")
	})
	var ts *httptest.Server
	mux.HandleFunc("/moved.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL+"/texture.jpg", http.StatusFound)
	})
	s, srv, out := newTestServer(t, ServerConfig{}, mux)
	ts = srv
	s.setTimestamp("19970101000000")

	hdr := http.Header{}
	hdr.Set("Referer", ts.URL+"/web/19970101000000/http://example.com/world.wrl")
	rec := proxyGet(s, ts.URL+"/moved.jpg", hdr)

	assert.Equal(t, http.StatusOK, rec.Code, "plugin must never see the redirect")
	assert.Equal(t, "JPEGBYTES", rec.Body.String())
	assert.Equal(t, MarkLive, lastResponse(t, out).Mark)
}

func TestControlLoop(t *testing.T) {
	s, _, out := newTestServer(t, ServerConfig{}, http.NotFoundHandler())

	in := strings.NewReader(
		"current_timestamp = \"19970612000000\"\n" +
			"rm -rf /\n" +
			"current_timestamp = none\n")
	s.ControlLoop(in)

	assert.Equal(t, "", s.Timestamp())
	acks := strings.Count(out.String(), ackLine)
	assert.Equal(t, 2, acks, "only valid assignments are acknowledged")
}

func TestControlLoopSetsScopedMode(t *testing.T) {
	s, _, _ := newTestServer(t, ServerConfig{}, http.NotFoundHandler())
	s.ControlLoop(strings.NewReader("current_timestamp = \"20001115093000\"\n"))
	assert.Equal(t, "20001115093000", s.Timestamp())
}

func TestRAMDetection(t *testing.T) {
	assert.True(t, looksLikeRAM("http://x/song.ram", ""))
	assert.True(t, looksLikeRAM("http://x/stream", "audio/x-pn-realaudio"))
	assert.False(t, looksLikeRAM("http://x/page.html", "text/html"))

	assert.Equal(t, "pnm://a/b.rm", ramStreamURL([]byte("# comment\npnm://a/b.rm\n")))
	assert.Empty(t, ramStreamURL([]byte("file.rm\n")), "relative entries are not retargetable")
	assert.Empty(t, ramStreamURL(nil))
}
