// SPDX-License-Identifier: MIT

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireHub fakes a legacy JSON wire protocol hub.
type wireHub struct {
	mu        sync.Mutex
	sessions  int
	deleted   int
	caps      map[string]any
	url       string
	evalFails bool
	frames    map[int]frameDoc
	// focused selects which frameDoc /source and /execute answer from: 0 is
	// the top document, i+1 is child frame i.
	focused int
}

type frameDoc struct {
	href, source, text string
}

func (h *wireHub) reply(w http.ResponseWriter, status int, value any) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessionId": "s-1",
		"status":    status,
		"value":     value,
	})
}

func (h *wireHub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		path := strings.TrimPrefix(r.URL.Path, "/session/s-1")
		switch {
		case r.URL.Path == "/status":
			h.reply(w, 0, map[string]any{"ready": true})
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			var body struct {
				DesiredCapabilities map[string]any `json:"desiredCapabilities"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			h.sessions++
			h.caps = body.DesiredCapabilities
			h.reply(w, 0, map[string]any{})
		case path == "" && r.Method == http.MethodDelete:
			h.deleted++
			h.reply(w, 0, nil)
		case path == "/timeouts":
			h.reply(w, 0, nil)
		case path == "/url" && r.Method == http.MethodPost:
			var body struct {
				URL string `json:"url"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if strings.Contains(body.URL, "broken") {
				h.reply(w, 21, map[string]any{"message": "timed out"})
				return
			}
			h.url = body.URL
			h.reply(w, 0, nil)
		case path == "/url" && r.Method == http.MethodGet:
			h.reply(w, 0, h.url)
		case path == "/execute":
			if h.evalFails {
				h.reply(w, 6, map[string]any{"message": "no such session"})
				return
			}
			var body struct {
				Script string `json:"script"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			h.reply(w, 0, h.evalResult(body.Script))
		case path == "/source":
			h.reply(w, 0, h.frames[h.focused].source)
		case path == "/frame":
			var body struct {
				ID *int `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.ID == nil {
				h.focused = 0
			} else {
				h.focused = *body.ID + 1
			}
			h.reply(w, 0, nil)
		default:
			h.reply(w, 9, map[string]any{"message": "unknown command " + r.URL.Path})
		}
	})
}

func (h *wireHub) evalResult(script string) any {
	switch {
	case strings.Contains(script, "window.frames.length"):
		return len(h.frames) - 1
	case strings.Contains(script, "document.location.href"):
		return h.frames[h.focused].href
	case strings.Contains(script, "innerText"):
		return h.frames[h.focused].text
	case strings.Contains(script, "scrollHeight"):
		return "2400 768"
	case strings.Contains(script, "redirectCount"):
		return 2
	case strings.Contains(script, "querySelectorAll"):
		return 3
	default:
		return ""
	}
}

func newHub() *wireHub {
	return &wireHub{frames: map[int]frameDoc{
		0: {href: "http://top/", source: "<html>top</html>", text: "top text"},
	}}
}

func testRemote(t *testing.T, h *wireHub) *Remote {
	t.Helper()
	srv := httptest.NewServer(h.handler())
	t.Cleanup(srv.Close)
	r, err := Connect(context.Background(), RemoteConfig{
		URL:             srv.URL,
		PageLoadTimeout: time.Minute,
	})
	require.NoError(t, err)
	return r
}

func TestConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := Connect(context.Background(), RemoteConfig{URL: srv.URL})
	require.ErrorIs(t, err, ErrSession)
}

func TestNavigateCreatesSession(t *testing.T) {
	h := newHub()
	r := testRemote(t, h)
	require.NoError(t, r.Navigate(context.Background(), "http://example.com/"))
	assert.Equal(t, 1, h.sessions)
	assert.Equal(t, "http://example.com/", h.url)

	u, err := r.CurrentURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", u)
	// Still the same session.
	assert.Equal(t, 1, h.sessions)
}

func TestNavigateFailureIsNavigationError(t *testing.T) {
	r := testRemote(t, newHub())
	err := r.Navigate(context.Background(), "http://broken/")
	require.ErrorIs(t, err, ErrNavigation)
	assert.NotErrorIs(t, err, ErrSession)
}

func TestSessionDeathIsSessionError(t *testing.T) {
	h := newHub()
	r := testRemote(t, h)
	require.NoError(t, r.Navigate(context.Background(), "http://example.com/"))
	h.evalFails = true
	_, err := r.PluginCount(context.Background())
	require.ErrorIs(t, err, ErrSession)
}

func TestEvalCounters(t *testing.T) {
	r := testRemote(t, newHub())
	n, err := r.PluginCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.RedirectCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, err := r.ScrollMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScrollMetrics{ScrollHeight: 2400, ClientHeight: 768}, m)
}

func TestFramesWalksChildren(t *testing.T) {
	h := newHub()
	h.frames[1] = frameDoc{href: "http://child/", source: "<html>child</html>", text: "child text"}
	r := testRemote(t, h)

	frames, err := r.Frames(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "http://top/", frames[0].URL)
	assert.Equal(t, "top text", frames[0].Text)
	assert.Equal(t, "http://child/", frames[1].URL)
	assert.Equal(t, "<html>child</html>", frames[1].HTML)
	// Focus returned to the top document.
	assert.Equal(t, 0, h.focused)
}

func TestFallbackCharsetRecreatesSession(t *testing.T) {
	h := newHub()
	r := testRemote(t, h)
	require.NoError(t, r.Navigate(context.Background(), "http://example.com/"))

	require.NoError(t, r.SetFallbackCharset(context.Background(), "shift_jis"))
	assert.Equal(t, 1, h.deleted)

	require.NoError(t, r.Navigate(context.Background(), "http://example.com/"))
	assert.Equal(t, 2, h.sessions)
	assert.Equal(t, "shift_jis", h.caps["webtape:fallbackCharset"])

	// Same charset again is a no-op.
	require.NoError(t, r.SetFallbackCharset(context.Background(), "shift_jis"))
	assert.Equal(t, 1, h.deleted)
}

func TestOnBlankPage(t *testing.T) {
	h := newHub()
	h.url = "about:blank"
	r := testRemote(t, h)
	blank, err := r.OnBlankPage(context.Background())
	require.NoError(t, err)
	assert.True(t, blank)
}

func TestCaptureArgs(t *testing.T) {
	c := NewScreenCapture(ScreenCaptureConfig{Display: ":0.0", VideoSize: "1024x768"})
	args := c.args("/tmp/out.mp4")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-f x11grab")
	assert.Contains(t, joined, "-video_size 1024x768")
	assert.Contains(t, joined, fmt.Sprintf("-i %s", ":0.0"))
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestCaptureStopWithoutStart(t *testing.T) {
	c := NewScreenCapture(ScreenCaptureConfig{Display: ":0"})
	_, err := c.Stop(context.Background())
	require.Error(t, err)
}
