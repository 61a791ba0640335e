// SPDX-License-Identifier: MIT

package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

// RemoteConfig configures the connection to the instrumented rendering host.
// The host speaks the legacy JSON wire protocol; period browsers predate the
// W3C dialect.
type RemoteConfig struct {
	URL             string // hub endpoint, e.g. http://127.0.0.1:4444/wd/hub
	PageLoadTimeout time.Duration
	// Capabilities are passed verbatim on session creation; the rendering
	// host interprets vendor keys like webtape:fallbackCharset.
	Capabilities map[string]any
}

// Remote drives the rendering host over HTTP. Sessions are created lazily on
// first use and recreated when the fallback charset changes; the host applies
// charset preferences only at profile startup.
type Remote struct {
	cfg       RemoteConfig
	hc        *http.Client
	sessionID string
	charset   string
	logger    zerolog.Logger
}

var _ Driver = (*Remote)(nil)

// Connect verifies the rendering host is reachable. The session itself is
// created on first navigation.
func Connect(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	r := &Remote{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.PageLoadTimeout + 30*time.Second},
		logger: log.WithComponent("browser"),
	}
	if _, err := r.do(ctx, http.MethodGet, "/status", nil); err != nil {
		return nil, fmt.Errorf("%w: rendering host unreachable: %v", ErrSession, err)
	}
	return r, nil
}

// wireResponse is the legacy protocol envelope. Failed commands carry a
// nonzero status and a message inside value.
type wireResponse struct {
	SessionID string          `json:"sessionId"`
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
}

func (r *Remote) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimSuffix(r.cfg.URL, "/")+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("browser: %s %s: bad response: %w", method, path, err)
	}
	if wr.Status != 0 {
		return nil, wireError(path, wr)
	}
	if path == "/session" && wr.SessionID != "" {
		r.sessionID = wr.SessionID
	}
	return wr.Value, nil
}

// wireError maps protocol status codes onto the driver's typed errors.
// 6 = NoSuchDriver, 33 = SessionNotCreated: the session itself is gone.
func wireError(path string, wr wireResponse) error {
	var detail struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(wr.Value, &detail)
	msg := detail.Message
	if msg == "" {
		msg = fmt.Sprintf("wire status %d", wr.Status)
	}
	if wr.Status == 6 || wr.Status == 33 || strings.Contains(msg, "session") {
		return fmt.Errorf("%w: %s: %s", ErrSession, path, msg)
	}
	return fmt.Errorf("browser: %s: %s (status %d)", path, msg, wr.Status)
}

func (r *Remote) ensureSession(ctx context.Context) error {
	if r.sessionID != "" {
		return nil
	}
	caps := map[string]any{}
	for k, v := range r.cfg.Capabilities {
		caps[k] = v
	}
	if r.charset != "" {
		caps["webtape:fallbackCharset"] = r.charset
	}
	val, err := r.do(ctx, http.MethodPost, "/session",
		map[string]any{"desiredCapabilities": caps})
	if err != nil {
		return fmt.Errorf("%w: create session: %v", ErrSession, err)
	}
	if r.sessionID == "" {
		// Some hosts report the id inside value instead of the envelope.
		var v struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(val, &v); err == nil {
			r.sessionID = v.SessionID
		}
	}
	if r.sessionID == "" {
		return fmt.Errorf("%w: host returned no session id", ErrSession)
	}
	if r.cfg.PageLoadTimeout > 0 {
		_, err = r.session(ctx, http.MethodPost, "/timeouts", map[string]any{
			"type": "page load",
			"ms":   r.cfg.PageLoadTimeout.Milliseconds(),
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("page load timeout not accepted")
		}
	}
	r.logger.Debug().Str("session", r.sessionID).Msg("session created")
	return nil
}

func (r *Remote) session(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	return r.do(ctx, method, "/session/"+r.sessionID+path, body)
}

// Navigate loads url and blocks until the rendering host reports the load
// event or its page-load timeout expires.
func (r *Remote) Navigate(ctx context.Context, url string) error {
	if err := r.ensureSession(ctx); err != nil {
		return err
	}
	_, err := r.session(ctx, http.MethodPost, "/url", map[string]any{"url": url})
	if err == nil || isSessionErr(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
}

func isSessionErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrSession.Error())
}

func (r *Remote) CurrentURL(ctx context.Context) (string, error) {
	if err := r.ensureSession(ctx); err != nil {
		return "", err
	}
	val, err := r.session(ctx, http.MethodGet, "/url", nil)
	if err != nil {
		return "", err
	}
	var u string
	if err := json.Unmarshal(val, &u); err != nil {
		return "", fmt.Errorf("browser: current url: %w", err)
	}
	return u, nil
}

func (r *Remote) OnBlankPage(ctx context.Context) (bool, error) {
	u, err := r.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	return u == "" || u == "about:blank", nil
}

// Eval runs script in the focused frame and renders the result as a string.
func (r *Remote) Eval(ctx context.Context, script string) (string, error) {
	if err := r.ensureSession(ctx); err != nil {
		return "", err
	}
	val, err := r.session(ctx, http.MethodPost, "/execute", map[string]any{
		"script": script,
		"args":   []any{},
	})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s, nil
	}
	var v any
	if err := json.Unmarshal(val, &v); err != nil {
		return "", fmt.Errorf("browser: eval result: %w", err)
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprint(v), nil
}

func (r *Remote) evalInt(ctx context.Context, script string) (int, error) {
	s, err := r.Eval(ctx, script)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("browser: non-numeric result %q", s)
	}
	return int(n), nil
}

func (r *Remote) pageSource(ctx context.Context) (string, error) {
	val, err := r.session(ctx, http.MethodGet, "/source", nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", fmt.Errorf("browser: page source: %w", err)
	}
	return s, nil
}

const frameTextScript = `return document.body ? document.body.innerText : '';`

func (r *Remote) currentFrame(ctx context.Context) (Frame, error) {
	var f Frame
	u, err := r.Eval(ctx, `return document.location.href;`)
	if err != nil {
		return f, err
	}
	html, err := r.pageSource(ctx)
	if err != nil {
		return f, err
	}
	text, err := r.Eval(ctx, frameTextScript)
	if err != nil {
		return f, err
	}
	return Frame{URL: u, HTML: html, Text: text}, nil
}

// Frames walks the top document and its direct child frames. Era framesets
// nest one level deep in practice.
func (r *Remote) Frames(ctx context.Context) ([]Frame, error) {
	if err := r.ensureSession(ctx); err != nil {
		return nil, err
	}
	top, err := r.currentFrame(ctx)
	if err != nil {
		return nil, err
	}
	out := []Frame{top}
	n, err := r.evalInt(ctx, `return window.frames.length;`)
	if err != nil {
		return out, nil
	}
	for i := 0; i < n; i++ {
		if _, err := r.session(ctx, http.MethodPost, "/frame", map[string]any{"id": i}); err != nil {
			if isSessionErr(err) {
				return nil, err
			}
			continue
		}
		f, err := r.currentFrame(ctx)
		if _, terr := r.session(ctx, http.MethodPost, "/frame", map[string]any{"id": nil}); terr != nil {
			return nil, terr
		}
		if err != nil {
			if isSessionErr(err) {
				return nil, err
			}
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Remote) PluginCount(ctx context.Context) (int, error) {
	return r.evalInt(ctx,
		`return document.querySelectorAll('embed, object, applet').length;`)
}

func (r *Remote) RedirectCount(ctx context.Context) (int, error) {
	return r.evalInt(ctx,
		`return (window.performance && performance.navigation) ? performance.navigation.redirectCount : 0;`)
}

const scrollMetricsScript = `var e = document.compatMode === 'BackCompat' ? document.body : document.documentElement;
return e ? e.scrollHeight + ' ' + e.clientHeight : '0 0';`

func (r *Remote) ScrollMetrics(ctx context.Context) (ScrollMetrics, error) {
	if err := r.ensureSession(ctx); err != nil {
		return ScrollMetrics{}, err
	}
	s, err := r.Eval(ctx, scrollMetricsScript)
	if err != nil {
		return ScrollMetrics{}, err
	}
	var m ScrollMetrics
	if _, err := fmt.Sscanf(s, "%d %d", &m.ScrollHeight, &m.ClientHeight); err != nil {
		return ScrollMetrics{}, fmt.Errorf("browser: scroll metrics %q: %w", s, err)
	}
	return m, nil
}

func (r *Remote) Scroll(ctx context.Context, step int) error {
	_, err := r.Eval(ctx, fmt.Sprintf(
		`if (window.scrollBy) { window.scrollBy(0, %d); } return '';`, step))
	return err
}

// SetFallbackCharset records the charset for the next session. A live session
// with a different charset is discarded; the host applies the preference only
// at profile startup.
func (r *Remote) SetFallbackCharset(ctx context.Context, charset string) error {
	if charset == r.charset {
		return nil
	}
	r.charset = charset
	if r.sessionID != "" {
		if _, err := r.session(ctx, http.MethodDelete, "", nil); err != nil {
			r.logger.Warn().Err(err).Msg("stale session not deleted")
		}
		r.sessionID = ""
	}
	return nil
}

func (r *Remote) Close() error {
	if r.sessionID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := r.session(ctx, http.MethodDelete, "", nil)
	r.sessionID = ""
	return err
}
