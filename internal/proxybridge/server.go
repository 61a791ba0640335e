// SPDX-License-Identifier: MIT

package proxybridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/log"
)

// ServerConfig configures the interception proxy process.
type ServerConfig struct {
	WebHost         string
	CDXURL          string
	BlockNonArchive bool
	LiveProbe       bool
	LiveProbeRPS    float64
	CDXRPS          float64
}

// Server is the proxy's request handler plus its control state. It has a
// single mutable variable, currentTimestamp: empty means transparent mode,
// set means scoped mode for one capture.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu               sync.RWMutex
	currentTimestamp string

	hc        *http.Client // never follows redirects; the browser must see them
	cdxLimit  *rate.Limiter
	liveLimit *rate.Limiter
}

// NewServer builds the proxy core writing its event stream to out.
func NewServer(cfg ServerConfig, out io.Writer) *Server {
	if cfg.WebHost == "" {
		cfg.WebHost = archive.DefaultWebHost
	}
	if cfg.CDXRPS <= 0 {
		cfg.CDXRPS = 1
	}
	if cfg.LiveProbeRPS <= 0 {
		cfg.LiveProbeRPS = 0.5
	}
	return &Server{
		cfg:    cfg,
		logger: log.WithComponent("proxy"),
		out:    out,
		hc: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cdxLimit:  rate.NewLimiter(rate.Limit(cfg.CDXRPS), 1),
		liveLimit: rate.NewLimiter(rate.Limit(cfg.LiveProbeRPS), 1),
	}
}

// Timestamp returns the scoped-mode timestamp, empty when transparent.
func (s *Server) Timestamp() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTimestamp
}

func (s *Server) setTimestamp(ts string) {
	s.mu.Lock()
	s.currentTimestamp = ts
	s.mu.Unlock()
}

var assignRe = regexp.MustCompile(`^\s*current_timestamp\s*=\s*(?:"(\d{14})"|none)\s*$`)

// ControlLoop consumes assignment commands from the recorder until EOF. The
// only valid operation is assignment to current_timestamp; anything else is
// logged and not acknowledged.
func (s *Server) ControlLoop(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		m := assignRe.FindStringSubmatch(line)
		if m == nil {
			s.logger.Warn().Str("line", line).Msg("rejecting control command")
			continue
		}
		s.setTimestamp(m[1])
		s.emitRaw(ackLine)
	}
}

func (s *Server) emitRaw(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, line)
}

func (s *Server) emit(m *Message) {
	s.emitRaw(m.String())
}

func (s *Server) emitResponse(status int, mark, contentType, rawURL string) {
	s.emit(&Message{
		Kind: KindResponse, Status: status, Mark: mark,
		ContentType: contentType, URL: rawURL, ID: uuid.NewString(),
	})
}

// ServeHTTP handles one proxied request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy use only", http.StatusBadRequest)
		return
	}
	target := r.URL.String()
	s.emit(&Message{Kind: KindRequest, URL: target})

	scoped := s.Timestamp() != ""
	if scoped && s.cfg.BlockNonArchive && !archive.IsArchiveHost(r.URL.Hostname()) {
		s.emitResponse(http.StatusForbidden, MarkBlocked, "", target)
		http.Error(w, "non-archive traffic blocked", http.StatusForbidden)
		return
	}

	// Frame requests that reach the archive without a modifier would render
	// the toolbar chrome inside the embedded frame; bounce them to the
	// iframe variant before they hit upstream.
	if scoped {
		if snap, ok := archive.ParseSnapshotURL(target); ok && snap.Modifier == archive.ModifierNone {
			if ref, refOK := archive.ParseSnapshotURL(r.Header.Get("Referer")); refOK && ref.URL != "" {
				loc := snap.WithModifier(archive.ModifierIframe).OnHost(s.cfg.WebHost)
				s.emitResponse(http.StatusFound, MarkRewritten, "", target)
				http.Redirect(w, r, loc, http.StatusFound)
				return
			}
		}
	}

	resp, err := s.forward(r)
	if err != nil {
		s.emitResponse(http.StatusBadGateway, MarkMissing, "", target)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	// Cosmo Player does not tolerate HTTP redirects for world assets; when
	// the referer is a VRML file, flatten the redirect by fetching the
	// location directly and synthesizing a plain 200.
	if scoped && resp.StatusCode >= 300 && resp.StatusCode < 400 && isVRMLReferer(r.Header.Get("Referer")) {
		if loc := resp.Header.Get("Location"); loc != "" {
			if s.flattenRedirect(w, r, loc, target) {
				return
			}
		}
	}

	if scoped && resp.StatusCode != http.StatusOK {
		if snap, ok := archive.ParseSnapshotURL(target); ok {
			if loc, found := s.cdxFallback(r.Context(), snap); found {
				s.emitResponse(http.StatusFound, MarkCDX, "", target)
				http.Redirect(w, r, loc, http.StatusFound)
				return
			}
			if s.cfg.LiveProbe && s.liveLimit.Allow() && s.liveExists(r.Context(), snap.URL) {
				s.emit(&Message{Kind: KindSave, URL: snap.URL})
			}
			s.emitResponse(resp.StatusCode, MarkMissing, resp.Header.Get("Content-Type"), target)
			copyResponse(w, resp, nil)
			return
		}
	}

	var body []byte
	if resp.StatusCode == http.StatusOK && looksLikeRAM(target, resp.Header.Get("Content-Type")) {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if stream := ramStreamURL(body); stream != "" {
			s.emit(&Message{Kind: KindRAM, URL: stream})
		}
	}

	s.emitResponse(resp.StatusCode, MarkOK, resp.Header.Get("Content-Type"), target)
	copyResponse(w, resp, body)
}

// forward replays the request upstream without following redirects.
func (s *Server) forward(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Proxy-Connection")
	return s.hc.Do(req)
}

func copyResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if body != nil {
		w.Write(body) //nolint:errcheck
		return
	}
	io.Copy(w, resp.Body) //nolint:errcheck
}

func (s *Server) flattenRedirect(w http.ResponseWriter, r *http.Request, loc, target string) bool {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, loc, nil)
	if err != nil {
		return false
	}
	followClient := &http.Client{Timeout: s.hc.Timeout}
	resp, err := followClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	s.emitResponse(http.StatusOK, MarkLive, resp.Header.Get("Content-Type"), target)
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body) //nolint:errcheck
	return true
}

// cdxFallback looks for a replacement capture of a missing asset: the same
// URL, the same URL without its query string, then the same path on any
// subdomain of the site. The nearest capture to the scoped timestamp wins.
func (s *Server) cdxFallback(ctx context.Context, snap archive.SnapshotURL) (string, bool) {
	ts := s.Timestamp()
	pick := func(rows []archive.Capture) (string, bool) {
		best, ok := archive.Nearest(rows, ts)
		if !ok {
			return "", false
		}
		repl := archive.SnapshotURL{
			Timestamp: best.Timestamp,
			Modifier:  snap.Modifier,
			URL:       best.Original,
		}
		return repl.OnHost(s.cfg.WebHost), true
	}

	candidates := []string{snap.URL}
	if u, err := url.Parse(snap.URL); err == nil && u.RawQuery != "" {
		u.RawQuery = ""
		candidates = append(candidates, u.String())
	}
	for _, cand := range candidates {
		rows, err := s.cdxLookup(ctx, cand)
		if err != nil || len(rows) == 0 {
			continue
		}
		if loc, ok := pick(rows); ok {
			return loc, true
		}
	}
	rows, err := s.cdxDomainLookup(ctx, snap.URL)
	if err != nil {
		return "", false
	}
	return pick(rows)
}

func (s *Server) cdxLookup(ctx context.Context, rawURL string) ([]archive.Capture, error) {
	q := url.Values{}
	q.Set("url", rawURL)
	return s.cdxQuery(ctx, q)
}

// cdxDomainLookup searches every subdomain of the site for the same path.
// Sites of the era moved content between numbered hosts (www2, members05)
// without touching the path.
func (s *Server) cdxDomainLookup(ctx context.Context, rawURL string) ([]archive.Capture, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return nil, nil
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if labels := strings.Split(host, "."); len(labels) > 2 {
			host = strings.Join(labels[len(labels)-2:], ".")
		}
	}
	q := url.Values{}
	q.Set("url", host)
	q.Set("matchType", "domain")
	q.Add("filter", "original:.*"+regexp.QuoteMeta(u.Path)+"$")
	return s.cdxQuery(ctx, q)
}

func (s *Server) cdxQuery(ctx context.Context, q url.Values) ([]archive.Capture, error) {
	if err := s.cdxLimit.Wait(ctx); err != nil {
		return nil, err
	}
	q.Set("fl", "original,timestamp,statuscode,mimetype,digest")
	q.Add("filter", "statuscode:200")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.CDXURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxybridge: cdx status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return archive.ParseCDX(body)
}

func (s *Server) liveExists(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()              //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func isVRMLReferer(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".wrl") || strings.HasSuffix(p, ".wrz") ||
		strings.HasSuffix(p, ".wrl.gz")
}

// looksLikeRAM spots RealMedia playlist responses worth inspecting.
func looksLikeRAM(rawURL, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "pn-realaudio") || strings.Contains(ct, "x-pn-realmedia") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".ram")
}

// ramStreamURL extracts the first stream reference of a RealMedia playlist,
// but only when it points at something the recorder can re-target.
func ramStreamURL(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "rtsp://") || strings.HasPrefix(line, "pnm://") ||
			strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line
		}
		return ""
	}
	return ""
}

// handleConnect tunnels or refuses HTTPS traffic. Scoped captures replay
// plain-HTTP era content, so CONNECT is refused outright for non-archive
// hosts when blocking is on.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if s.Timestamp() != "" && s.cfg.BlockNonArchive && !archive.IsArchiveHost(host) {
		s.emitResponse(http.StatusForbidden, MarkBlocked, "", "https://"+r.Host)
		http.Error(w, "non-archive traffic blocked", http.StatusForbidden)
		return
	}
	upstream, err := net.DialTimeout("tcp", r.Host, 30*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close() //nolint:errcheck
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close() //nolint:errcheck
		return
	}
	fmt.Fprintf(client, "HTTP/1.1 200 Connection Established\r\n\r\n")
	go func() {
		defer upstream.Close() //nolint:errcheck
		defer client.Close()   //nolint:errcheck
		io.Copy(upstream, client) //nolint:errcheck
	}()
	go func() {
		io.Copy(client, upstream) //nolint:errcheck
	}()
}
