// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/rategate"
)

// Sentinel errors surfaced to workers.
var (
	// ErrRateLimited is returned when the save endpoint answers 429. Callers
	// stop their backfill loop for the current capture.
	ErrRateLimited = errors.New("archive: rate limited")
	// ErrExcluded marks a URL the archive refuses to serve; the snapshot is
	// stored excluded and skipped by every selector.
	ErrExcluded = errors.New("archive: url excluded")
	// ErrNoCapture means the CDX index has no HTTP-200 capture for the URL.
	ErrNoCapture = errors.New("archive: no capture")
)

// Cache caches raw CDX responses across scout iterations. Implemented by
// cdxcache; nil disables caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// ClientConfig configures the archive client.
type ClientConfig struct {
	WebHost    string // replay frontend, default https://web.archive.org
	CDXURL     string // CDX search endpoint
	SaveURL    string // save-page-now endpoint prefix
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int           // retries for idempotent calls on 502/503/504
	RetryBase  time.Duration // first backoff step, doubled per attempt
}

// DefaultClientConfig returns production endpoints and retry settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WebHost:    DefaultWebHost,
		CDXURL:     DefaultCDXURL,
		SaveURL:    "https://web.archive.org/save/",
		UserAgent:  "webtape/1.0",
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		RetryBase:  2 * time.Second,
	}
}

// Client is a rate-gated HTTP client for the archive's public services.
type Client struct {
	cfg    ClientConfig
	hc     *http.Client
	gate   *rategate.Gate
	cache  Cache
	logger zerolog.Logger
}

// NewClient builds a Client. The gate is mandatory; cache may be nil.
func NewClient(cfg ClientConfig, gate *rategate.Gate, cache Cache) *Client {
	if cfg.WebHost == "" {
		cfg.WebHost = DefaultWebHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		gate:   gate,
		cache:  cache,
		logger: log.WithComponent("archive"),
	}
}

// BestCapture is the result of FindBest.
type BestCapture struct {
	Capture        Capture
	IsMedia        bool
	MediaExtension string
}

// FindBest resolves a URL to its canonical capture: first the nearest
// HTTP-200 capture around the given timestamp, then the oldest capture
// sharing that capture's digest, so identical content always maps to one
// snapshot row regardless of which replay timestamp was linked.
func (c *Client) FindBest(ctx context.Context, timestamp, rawURL string) (*BestCapture, error) {
	rows, err := c.cdxQuery(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	near, ok := nearest(rows, timestamp)
	if !ok {
		return nil, ErrNoCapture
	}
	byDigest, err := c.cdxQuery(ctx, rawURL, near.Digest)
	if err == nil {
		if old, ok := oldest(byDigest); ok {
			near = old
		}
	} else if !errors.Is(err, ErrNoCapture) {
		return nil, err
	}
	return &BestCapture{
		Capture:        near,
		IsMedia:        IsMediaMime(near.MimeType),
		MediaExtension: MediaExtension(near.Original),
	}, nil
}

func (c *Client) cdxQuery(ctx context.Context, rawURL, digest string) ([]Capture, error) {
	q := url.Values{}
	q.Set("url", rawURL)
	q.Set("fl", cdxFields)
	q.Add("filter", "statuscode:200")
	if digest != "" {
		q.Add("filter", "digest:"+digest)
	}
	reqURL := c.cfg.CDXURL + "?" + q.Encode()

	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, reqURL); ok {
			return parseCDX(body)
		}
	}

	if err := c.gate.Wait(ctx, rategate.KindCDX); err != nil {
		return nil, err
	}
	body, status, err := c.doWithRetry(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusForbidden:
		return nil, ErrExcluded
	case status != http.StatusOK:
		return nil, fmt.Errorf("archive: cdx status %d", status)
	}
	if c.cache != nil {
		c.cache.Set(ctx, reqURL, body)
	}
	rows, err := parseCDX(body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoCapture
	}
	return rows, nil
}

// Enrich performs a HEAD against the capture's identical variant and returns
// the origin last-modified time as a 14-digit timestamp, or "" when the
// header is absent or implausible.
func (c *Client) Enrich(ctx context.Context, timestamp, rawURL string) (string, error) {
	snap := SnapshotURL{Timestamp: timestamp, Modifier: ModifierIdentical, URL: rawURL}
	if err := c.gate.Wait(ctx, rategate.KindArchive); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, snap.OnHost(c.cfg.WebHost), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()              //nolint:errcheck

	lm := ParseLastModified(resp.Header.Get("x-archive-orig-last-modified"), time.Now())
	if lm.IsZero() {
		return "", nil
	}
	return TimestampOf(lm), nil
}

// GuessedCharset returns the archive's charset guess for a capture, from the
// x-archive-guessed-charset header. Empty when unknown.
func (c *Client) GuessedCharset(ctx context.Context, timestamp, rawURL string) (string, error) {
	snap := SnapshotURL{Timestamp: timestamp, Modifier: ModifierIdentical, URL: rawURL}
	if err := c.gate.Wait(ctx, rategate.KindArchive); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, snap.OnHost(c.cfg.WebHost), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()              //nolint:errcheck
	return strings.ToLower(resp.Header.Get("x-archive-guessed-charset")), nil
}

// Download fetches the identical variant of a capture into a local file. The
// recorder uses it for standalone media snapshots and discovered audio
// assets.
func (c *Client) Download(ctx context.Context, timestamp, rawURL, dest string) error {
	snap := SnapshotURL{Timestamp: timestamp, Modifier: ModifierIdentical, URL: rawURL}
	if err := c.gate.Wait(ctx, rategate.KindArchive); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snap.OnHost(c.cfg.WebHost), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive: download %s: status %d", rawURL, resp.StatusCode)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// Save triggers archival of a live URL. Returns the URL of the new snapshot
// and whether the archive reported the URL as recently saved already.
// HTTP 429 maps to ErrRateLimited; other failures are plain errors.
func (c *Client) Save(ctx context.Context, rawURL string) (string, bool, error) {
	if err := c.gate.Wait(ctx, rategate.KindSave); err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SaveURL+rawURL, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", false, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return "", false, fmt.Errorf("archive: save status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, err
	}
	already := strings.Contains(string(body), "already been captured")
	saved := resp.Header.Get("Content-Location")
	if saved == "" {
		if loc := resp.Header.Get("Location"); loc != "" {
			saved = loc
		}
	}
	if saved != "" && strings.HasPrefix(saved, "/") {
		saved = c.cfg.WebHost + saved
	}
	return saved, already, nil
}

// ServicesUp reports whether both the replay host and the CDX endpoint
// currently answer 200. Workers back off while the archive is down.
func (c *Client) ServicesUp(ctx context.Context) bool {
	for _, target := range []string{c.cfg.WebHost, c.cfg.CDXURL + "?url=example.com&limit=1"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		resp, err := c.hc.Do(req)
		if err != nil {
			return false
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()              //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return false
		}
	}
	return true
}

// doWithRetry performs an idempotent request, retrying 502/503/504 with
// exponential backoff up to the configured cap.
func (c *Client) doWithRetry(ctx context.Context, method, target string) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBase << (attempt - 1)
			c.logger.Debug().Str("url", target).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying archive request")
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close() //nolint:errcheck
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("archive: status %d", resp.StatusCode)
			continue
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, fmt.Errorf("archive: retries exhausted: %w", lastErr)
}
