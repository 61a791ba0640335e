// SPDX-License-Identifier: MIT

// Package rategate throttles outbound calls to the archive's public services.
//
// Each service gets an independent moving-window limiter: at most Amount
// requests within any Window. Unlike a token bucket, a moving window spreads
// N callers fairly across the window instead of letting one caller drain a
// burst allowance.
package rategate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind selects which external service a token is requested for.
type Kind string

const (
	KindArchive Kind = "archive" // snapshot host GET/HEAD
	KindCDX     Kind = "cdx"     // CDX index queries
	KindSave    Kind = "save"    // save-page-now endpoint
)

// Limit parameterizes one moving window.
type Limit struct {
	Amount int           // tokens per window
	Window time.Duration // window length
}

// Config holds per-service limits and the polling cadence used while blocked.
type Config struct {
	Archive Limit
	CDX     Limit
	Save    Limit
	Poll    time.Duration // cadence to re-check for a free slot
}

// DefaultConfig returns conservative limits suitable for a public archive.
func DefaultConfig() Config {
	return Config{
		Archive: Limit{Amount: 10, Window: 10 * time.Second},
		CDX:     Limit{Amount: 4, Window: 10 * time.Second},
		Save:    Limit{Amount: 4, Window: time.Minute},
		Poll:    250 * time.Millisecond,
	}
}

type window struct {
	limit Limit
	mu    sync.Mutex
	// Timestamps of granted tokens, oldest first. Pruned on every attempt.
	grants []time.Time
}

// Gate is a set of independent moving-window limiters. Safe for concurrent use.
type Gate struct {
	poll    time.Duration
	windows map[Kind]*window
	now     func() time.Time
}

// New builds a Gate from the supplied config.
func New(cfg Config) *Gate {
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	return &Gate{
		poll: cfg.Poll,
		windows: map[Kind]*window{
			KindArchive: {limit: cfg.Archive},
			KindCDX:     {limit: cfg.CDX},
			KindSave:    {limit: cfg.Save},
		},
		now: time.Now,
	}
}

// Wait blocks until a token for kind is available or ctx is done. Callers
// must acquire a token immediately before each outbound request.
func (g *Gate) Wait(ctx context.Context, kind Kind) error {
	w, ok := g.windows[kind]
	if !ok {
		return fmt.Errorf("rategate: unknown kind %q", kind)
	}
	for {
		if w.tryAcquire(g.now()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.poll):
		}
	}
}

// TryAcquire grants a token if one is free right now, without blocking.
func (g *Gate) TryAcquire(kind Kind) bool {
	w, ok := g.windows[kind]
	if !ok {
		return false
	}
	return w.tryAcquire(g.now())
}

func (w *window) tryAcquire(now time.Time) bool {
	// A non-positive amount disables throttling for the service entirely;
	// refusing forever would deadlock every worker behind the gate.
	if w.limit.Amount <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.limit.Window)
	kept := w.grants[:0]
	for _, t := range w.grants {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.grants = kept

	if len(w.grants) >= w.limit.Amount {
		return false
	}
	w.grants = append(w.grants, now)
	return true
}
