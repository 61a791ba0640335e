// SPDX-License-Identifier: MIT

// Package browser defines the contract with the instrumented rendering host.
// The pipeline never talks to a rendering engine directly; it drives a Driver
// and a Capture and interprets their typed errors.
package browser

import (
	"context"
	"errors"
)

// ErrSession marks failures of the rendering session itself, as opposed to a
// single navigation. A session error terminates the current worker batch.
var ErrSession = errors.New("browser: session failed")

// ErrNavigation marks a single failed navigation; the worker invalidates the
// snapshot and moves on.
var ErrNavigation = errors.New("browser: navigation failed")

// ScrollMetrics is the frame geometry used to plan the capture scroll pass.
// Depending on the document's quirks mode the meaningful values come from the
// body or the document element; the Driver resolves that before reporting.
type ScrollMetrics struct {
	ScrollHeight int
	ClientHeight int
}

// Frame is one rendered frame of the page.
type Frame struct {
	URL  string
	HTML string
	Text string
}

// Driver is the rendering host. All methods honor ctx cancellation; blocking
// calls (Navigate) also honor the driver's own page-load timeout.
type Driver interface {
	// Navigate loads url and blocks until the load event or timeout.
	Navigate(ctx context.Context, url string) error
	// CurrentURL reports the address after any redirects.
	CurrentURL(ctx context.Context) (string, error)
	// OnBlankPage reports whether the browser stayed on the blank page after
	// a navigation, which happens when the response was a download rather
	// than a document.
	OnBlankPage(ctx context.Context) (bool, error)
	// Frames walks the frame tree and returns source and text per frame.
	Frames(ctx context.Context) ([]Frame, error)
	// Eval runs a script in the top document and returns its string result.
	Eval(ctx context.Context, script string) (string, error)
	// PluginCount reports the number of live plugin instances.
	PluginCount(ctx context.Context) (int, error)
	// RedirectCount reports the browser's navigation redirect counter.
	RedirectCount(ctx context.Context) (int, error)
	// ScrollMetrics reports the scroll geometry of the main frame.
	ScrollMetrics(ctx context.Context) (ScrollMetrics, error)
	// Scroll smoothly scrolls the main frame by the given pixel step.
	Scroll(ctx context.Context, step int) error
	// SetFallbackCharset sets the charset used when the document declares
	// none.
	SetFallbackCharset(ctx context.Context, charset string) error
	Close() error
}

// CaptureResult describes one finished screen capture.
type CaptureResult struct {
	OK   bool
	File string
}

// Capture records the screen while the Driver plays the page.
type Capture interface {
	Start(ctx context.Context, outPath string) error
	Stop(ctx context.Context) (CaptureResult, error)
}

// ProcessKiller terminates the plugin container and helper launcher processes
// when the crash watchdog fires.
type ProcessKiller interface {
	KillPluginProcesses(ctx context.Context) error
}
