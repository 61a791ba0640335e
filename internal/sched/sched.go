// SPDX-License-Identifier: MIT

// Package sched runs the worker loops: cron entry points in UTC, bounded
// iteration batches, and the keyboard sentinel honored between iterations.
package sched

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/metrics"
)

// Worker is one pipeline stage's iteration function: process one unit of
// work, report whether there was any.
type Worker func(ctx context.Context) (bool, error)

// Sentinel is the cooperative pause/exit switch checked between iterations.
// Mid-iteration interruption is deliberately not supported; a capture must
// finish or abort on its own terms.
type Sentinel struct {
	paused atomic.Bool
	exited atomic.Bool
}

// Watch consumes pause/resume/exit lines from r until EOF. Anything else is
// ignored.
func (s *Sentinel) Watch(r io.Reader) {
	logger := log.WithComponent("sched")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "pause":
			s.paused.Store(true)
			logger.Info().Msg("paused, batches finish after the current iteration")
		case "resume":
			s.paused.Store(false)
			logger.Info().Msg("resumed")
		case "exit":
			s.exited.Store(true)
			logger.Info().Msg("exit requested")
			return
		}
	}
}

// Paused reports the pause flag.
func (s *Sentinel) Paused() bool { return s.paused.Load() }

// Exited reports whether exit was requested.
func (s *Sentinel) Exited() bool { return s.exited.Load() }

// RequestExit flips the exit flag programmatically (signal handlers).
func (s *Sentinel) RequestExit() { s.exited.Store(true) }

// Runner drives batches of one worker.
type Runner struct {
	name     string
	worker   Worker
	sentinel *Sentinel
	logger   zerolog.Logger
}

// NewRunner builds a Runner. A nil sentinel never pauses.
func NewRunner(name string, w Worker, sentinel *Sentinel) *Runner {
	if sentinel == nil {
		sentinel = &Sentinel{}
	}
	return &Runner{
		name:     name,
		worker:   w,
		sentinel: sentinel,
		logger:   log.WithComponent("sched").With().Str("worker", name).Logger(),
	}
}

// RunBatch iterates until the queue empties, maxIterations is reached
// (non-positive means unbounded), the sentinel fires, or the worker returns
// an error. Worker errors end the batch; the cron re-enters later.
func (r *Runner) RunBatch(ctx context.Context, maxIterations int) error {
	for done := 0; maxIterations <= 0 || done < maxIterations; done++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.sentinel.Exited() || r.sentinel.Paused() {
			r.logger.Info().Int("iterations", done).Msg("batch interrupted by sentinel")
			return nil
		}
		worked, err := r.worker(ctx)
		if err != nil {
			r.logger.Error().Err(err).Int("iterations", done).Msg("batch ended on error")
			return err
		}
		if !worked {
			r.logger.Debug().Int("iterations", done).Msg("queue empty")
			return nil
		}
	}
	return nil
}

// Scheduler owns the cron table. All schedules are interpreted in UTC.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: log.WithComponent("sched"),
	}
}

// Add registers a worker batch under a cron spec. Overlapping runs of the
// same entry are skipped, not queued.
func (s *Scheduler) Add(spec, name string, run func()) error {
	running := &atomic.Bool{}
	_, err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Warn().Str("worker", name).Msg("previous batch still running, skipping")
			metrics.IterationsTotal.WithLabelValues(name, "skipped").Inc()
			return
		}
		defer running.Store(false)
		run()
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("worker", name).Str("schedule", spec).Msg("scheduled")
	return nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
