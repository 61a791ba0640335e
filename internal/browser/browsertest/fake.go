// SPDX-License-Identifier: MIT

// Package browsertest provides scriptable fakes of the rendering contract for
// worker tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/oldweb/webtape/internal/browser"
)

// FakeDriver replays configured pages. Zero value is usable: every navigation
// succeeds and lands exactly where it was pointed.
type FakeDriver struct {
	mu sync.Mutex

	// RedirectTo, when set, overrides the reported current URL after the
	// next navigation.
	RedirectTo string
	// Blank makes the next navigation report the blank page.
	Blank bool
	// NavErr is returned by the next Navigate call.
	NavErr error

	PageFrames  []browser.Frame
	Plugins     int
	Redirects   int
	Metrics     browser.ScrollMetrics
	EvalResults map[string]string

	NavigatedTo []string
	Scrolled    int
	Charset     string
	Closed      bool

	currentURL string
}

var _ browser.Driver = (*FakeDriver)(nil)

func (d *FakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NavigatedTo = append(d.NavigatedTo, url)
	if d.NavErr != nil {
		err := d.NavErr
		d.NavErr = nil
		return err
	}
	if d.RedirectTo != "" {
		d.currentURL = d.RedirectTo
	} else {
		d.currentURL = url
	}
	return nil
}

func (d *FakeDriver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentURL, nil
}

func (d *FakeDriver) OnBlankPage(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Blank, nil
}

func (d *FakeDriver) Frames(context.Context) ([]browser.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.PageFrames, nil
}

func (d *FakeDriver) Eval(_ context.Context, script string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.EvalResults[script], nil
}

func (d *FakeDriver) PluginCount(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Plugins, nil
}

func (d *FakeDriver) RedirectCount(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Redirects, nil
}

func (d *FakeDriver) ScrollMetrics(context.Context) (browser.ScrollMetrics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Metrics, nil
}

func (d *FakeDriver) Scroll(context.Context, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Scrolled++
	return nil
}

func (d *FakeDriver) SetFallbackCharset(_ context.Context, charset string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Charset = charset
	return nil
}

func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// FakeCapture records start/stop calls and reports a configurable result.
type FakeCapture struct {
	mu sync.Mutex

	StartErr error
	Result   browser.CaptureResult

	Started bool
	Stopped bool
	Out     string
}

var _ browser.Capture = (*FakeCapture)(nil)

func (c *FakeCapture) Start(_ context.Context, outPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.Started = true
	c.Out = outPath
	return nil
}

func (c *FakeCapture) Stop(context.Context) (browser.CaptureResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stopped = true
	if c.Result.File == "" {
		c.Result.File = c.Out
		c.Result.OK = true
	}
	return c.Result, nil
}

// FakeKiller counts watchdog kills.
type FakeKiller struct {
	mu    sync.Mutex
	Kills int
}

var _ browser.ProcessKiller = (*FakeKiller)(nil)

func (k *FakeKiller) KillPluginProcesses(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Kills++
	return nil
}

// KillCount returns the number of watchdog firings observed.
func (k *FakeKiller) KillCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.Kills
}
