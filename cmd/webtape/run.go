// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/sched"
)

// runDaemon drives every enabled worker on its cron schedule in one process.
// Batches from different workers are serialized on one mutex: there is one
// browser session and one proxy, so scout and record must not interleave.
func (a *app) runDaemon(ctx context.Context) error {
	workers, cleanup, err := a.daemonWorkers(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sentinel := &sched.Sentinel{}
	go sentinel.Watch(os.Stdin)

	var pipeline sync.Mutex
	scheduler := sched.NewScheduler()
	for _, w := range workers {
		runner := sched.NewRunner(w.name, w.worker, sentinel)
		name, maxIterations := w.name, w.maxIterations
		err := scheduler.Add(w.schedule, w.name, func() {
			if !pipeline.TryLock() {
				a.logger.Debug().Str("worker", name).Msg("pipeline busy, batch skipped")
				return
			}
			defer pipeline.Unlock()
			if err := runner.RunBatch(ctx, maxIterations); err != nil &&
				!errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Str("worker", name).Msg("batch failed")
			}
		})
		if err != nil {
			return err
		}
	}

	stopStatus := a.startStatusListener()
	defer stopStatus()
	stopWatch, err := a.watchVocabulary(ctx)
	if err != nil {
		return err
	}
	defer stopWatch()

	scheduler.Start()
	defer scheduler.Stop()
	a.logger.Info().Int("workers", len(workers)).Msg("daemon running")

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("signal received, shutting down")
			return nil
		case <-tick.C:
			if sentinel.Exited() {
				a.logger.Info().Msg("exit requested, shutting down")
				return nil
			}
		}
	}
}

// startStatusListener serves health, stats and metrics when run.listen_addr
// is set. Returns the shutdown function.
func (a *app) startStatusListener() func() {
	addr := a.cfg.Run.ListenAddr
	if addr == "" {
		return func() {}
	}
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(120, time.Minute))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		st, err := a.store.CollectStats(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("status listener failed")
		}
	}()
	a.logger.Info().Str("addr", addr).Msg("status listener up")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// watchVocabulary hot-reloads the standalone vocabulary file into the live
// scout. The parent directory is watched because editors replace files.
func (a *app) watchVocabulary(ctx context.Context) (func(), error) {
	path := a.cfg.Vocabulary.File
	if path == "" || a.scoutRef == nil {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs ||
					!event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				a.reloadVocabulary(ctx, abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn().Err(err).Msg("vocabulary watcher error")
			}
		}
	}()
	a.logger.Info().Str("file", abs).Msg("watching vocabulary")
	return func() { _ = watcher.Close() }, nil
}

func (a *app) reloadVocabulary(ctx context.Context, path string) {
	v, err := config.LoadVocabulary(path)
	if err != nil {
		a.logger.Warn().Err(err).Msg("vocabulary reload failed, keeping previous")
		return
	}
	a.scoutRef.SetVocabulary(v.VocabEntries())
	if err := a.scoutRef.RefreshVocabulary(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("vocabulary refresh failed")
		return
	}
	a.logger.Info().Msg("vocabulary reloaded")
}
