// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oldweb/webtape/internal/approver"
	"github.com/oldweb/webtape/internal/browser"
	"github.com/oldweb/webtape/internal/compiler"
	"github.com/oldweb/webtape/internal/media"
	"github.com/oldweb/webtape/internal/proxybridge"
	"github.com/oldweb/webtape/internal/publisher"
	"github.com/oldweb/webtape/internal/recorder"
	"github.com/oldweb/webtape/internal/sched"
	"github.com/oldweb/webtape/internal/scout"
	"github.com/oldweb/webtape/internal/speech"
)

func (a *app) connectBrowser(ctx context.Context) (*browser.Remote, error) {
	return browser.Connect(ctx, browser.RemoteConfig{
		URL:             a.cfg.Browser.WebDriverURL,
		PageLoadTimeout: a.cfg.Record.PageLoadTimeout,
	})
}

// transcoder builds the checked external media toolchain. A missing binary is
// a fatal init error.
func (a *app) transcoder() (*media.FFmpeg, error) {
	ff := media.NewFFmpeg(nil)
	if err := ff.CheckBinaries(); err != nil {
		return nil, err
	}
	return ff, nil
}

func (a *app) newScout(ctx context.Context) (*scout.Scout, func(), error) {
	vocab, err := a.vocabEntries()
	if err != nil {
		return nil, nil, err
	}
	driver, err := a.connectBrowser(ctx)
	if err != nil {
		return nil, nil, err
	}
	sc, err := scout.New(a.cfg.Scout, vocab, a.store, a.sel, a.archiveClient(), driver)
	if err != nil {
		_ = driver.Close()
		return nil, nil, err
	}
	return sc, func() { _ = driver.Close() }, nil
}

func (a *app) runScout(ctx context.Context, args []string) error {
	n, err := parseCount(args, a.cfg.Scout.MaxIterations)
	if err != nil {
		return err
	}
	sc, cleanup, err := a.newScout(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return sched.NewRunner("scout", sc.Iterate, nil).RunBatch(ctx, n)
}

// startProxy launches the interception proxy process configured for the
// current archive endpoints.
func (a *app) startProxy() (*proxybridge.Bridge, error) {
	bin := a.cfg.Proxy.BinPath
	if bin == "" {
		bin = "webtape-proxy"
	}
	return proxybridge.Start(bin,
		"-addr", a.cfg.Proxy.ListenAddr,
		"-web-host", a.cfg.Archive.WebHost,
		"-cdx-url", a.cfg.Archive.CDXHost,
		fmt.Sprintf("-block-non-archive=%t", a.cfg.Proxy.BlockNonArchive),
		fmt.Sprintf("-live-probe=%t", a.cfg.Proxy.LiveProbe),
		fmt.Sprintf("-live-probe-rps=%g", a.cfg.Proxy.LiveProbeRPS),
	)
}

func (a *app) newRecorder(ctx context.Context) (*recorder.Recorder, func(), error) {
	ff, err := a.transcoder()
	if err != nil {
		return nil, nil, err
	}
	var narrator recorder.Narrator
	if a.cfg.Record.Narrate {
		sp := speech.New(nil)
		if err := sp.CheckBinary(); err != nil {
			return nil, nil, err
		}
		narrator = sp
	}
	bridge, err := a.startProxy()
	if err != nil {
		return nil, nil, err
	}
	driver, err := a.connectBrowser(ctx)
	if err != nil {
		_ = bridge.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = driver.Close()
		_ = bridge.Close()
	}
	rec := recorder.New(a.cfg.Record, a.cfg.Paths, recorder.Deps{
		Store:    a.store,
		Selector: a.sel,
		Archive:  a.archiveClient(),
		Driver:   driver,
		Capture: browser.NewScreenCapture(browser.ScreenCaptureConfig{
			Bin:       a.cfg.Browser.CaptureBin,
			Display:   a.cfg.Browser.Display,
			VideoSize: a.cfg.Browser.VideoSize,
			FrameRate: a.cfg.Browser.FrameRate,
		}),
		Killer:     browser.NewPKiller(a.cfg.Browser.PluginProcesses),
		Proxy:      bridge,
		Prober:     ff,
		Transcoder: ff,
		Narrator:   narrator,
	})
	return rec, cleanup, nil
}

func (a *app) runRecord(ctx context.Context, args []string) error {
	n, err := parseCount(args, a.cfg.Record.MaxIterations)
	if err != nil {
		return err
	}
	rec, cleanup, err := a.newRecorder(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return sched.NewRunner("record", rec.Iterate, nil).RunBatch(ctx, n)
}

func (a *app) runApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	tts := fs.Bool("tts", false, "play the narration sidecar after the capture")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !a.cfg.Approve.Required {
		a.logger.Info().Msg("approval is not required; nothing to review")
		return nil
	}
	n, err := parseCount(fs.Args(), 0)
	if err != nil {
		return err
	}
	cfg := a.cfg.Approve
	cfg.PlayNarration = cfg.PlayNarration || *tts
	ap := approver.New(cfg, a.cfg.Paths, a.store, a.sel, nil, os.Stdin, os.Stdout)
	err = sched.NewRunner("approve", ap.Iterate, nil).RunBatch(ctx, n)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// newPublisher wires the enabled backends. Missing or unreadable credentials
// are fatal init errors.
func (a *app) newPublisher() (*publisher.Publisher, error) {
	ff, err := a.transcoder()
	if err != nil {
		return nil, err
	}
	pub := publisher.New(a.cfg.Publish, a.cfg.Paths, a.cfg.Approve.Required,
		a.store, a.sel, ff, ff)
	enabled := 0
	if a.cfg.Publish.Twitter.Enabled {
		b, err := publisher.NewTwitterBackend(a.cfg.Publish.Twitter)
		if err != nil {
			return nil, fmt.Errorf("twitter backend: %w", err)
		}
		pub.AddBackend(b, a.cfg.Publish.Twitter)
		enabled++
	}
	if a.cfg.Publish.Mastodon.Enabled {
		b, err := publisher.NewMastodonBackend(a.cfg.Publish.Mastodon)
		if err != nil {
			return nil, fmt.Errorf("mastodon backend: %w", err)
		}
		pub.AddBackend(b, a.cfg.Publish.Mastodon)
		enabled++
	}
	if enabled == 0 {
		return nil, fmt.Errorf("no publish backends enabled")
	}
	return pub, nil
}

func (a *app) runPublish(ctx context.Context, args []string) error {
	n, err := parseCount(args, a.cfg.Publish.BatchSize)
	if err != nil {
		return err
	}
	pub, err := a.newPublisher()
	if err != nil {
		return err
	}
	return sched.NewRunner("publish", pub.Iterate, nil).RunBatch(ctx, n)
}

func (a *app) runCompile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	published := fs.Bool("published", false, "select by publish window: BEGIN END")
	anySel := fs.Bool("any", false, "select by id list: (snapshot|recording) IDS...")
	tts := fs.Bool("tts", false, "append narration sidecars after their clips")
	color := fs.String("color", "", "transition color override")
	duration := fs.Float64("duration", 0, "transition duration override, seconds")
	sfx := fs.String("sfx", "", "transition sound effect file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sel compiler.Selection
	sel.Narration = *tts
	rest := fs.Args()
	switch {
	case *published:
		if len(rest) != 2 {
			return fmt.Errorf("usage: webtape compile -published BEGIN END")
		}
		sel.Begin, sel.End = rest[0], rest[1]
	case *anySel:
		if len(rest) < 2 || (rest[0] != "snapshot" && rest[0] != "recording") {
			return fmt.Errorf("usage: webtape compile -any (snapshot|recording) IDS...")
		}
		ids, err := compiler.ParseIDList(rest[1:])
		if err != nil {
			return err
		}
		sel.Kind, sel.IDs = rest[0], ids
	default:
		return fmt.Errorf("usage: webtape compile (-published BEGIN END | -any KIND IDS...)")
	}

	cfg := a.cfg.Compile
	if *color != "" {
		cfg.TransitionColor = *color
	}
	if *duration > 0 {
		cfg.TransitionDuration = time.Duration(*duration * float64(time.Second))
	}
	if *sfx != "" {
		cfg.TransitionSFX = *sfx
	}

	ff, err := a.transcoder()
	if err != nil {
		return err
	}
	out, err := compiler.New(cfg, a.cfg.Paths, a.store, ff, ff).Compile(ctx, sel)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// workerConfig pairs a cron schedule with the batch bound for run mode.
type workerConfig struct {
	name          string
	schedule      string
	maxIterations int
	worker        sched.Worker
}

func (a *app) daemonWorkers(ctx context.Context) ([]workerConfig, func(), error) {
	sc, scoutCleanup, err := a.newScout(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, recCleanup, err := a.newRecorder(ctx)
	if err != nil {
		scoutCleanup()
		return nil, nil, err
	}
	cleanup := func() {
		recCleanup()
		scoutCleanup()
	}
	workers := []workerConfig{
		{"scout", a.cfg.Scout.Schedule, a.cfg.Scout.MaxIterations, sc.Iterate},
		{"record", a.cfg.Record.Schedule, a.cfg.Record.MaxIterations, rec.Iterate},
	}
	pub, err := a.newPublisher()
	if err != nil {
		// A daemon without credentials still scouts and records.
		a.logger.Warn().Err(err).Msg("publishing disabled")
	} else {
		workers = append(workers,
			workerConfig{"publish", a.cfg.Publish.Schedule, a.cfg.Publish.BatchSize, pub.Iterate})
	}
	a.scoutRef = sc
	return workers, cleanup, nil
}
