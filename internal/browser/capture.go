// SPDX-License-Identifier: MIT

package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

// ScreenCaptureConfig configures the X11 screen grabber.
type ScreenCaptureConfig struct {
	Bin       string // ffmpeg-style binary
	Display   string // e.g. ":0.0"
	VideoSize string // e.g. "1024x768"
	FrameRate int
	// StopGrace bounds how long Stop waits for the muxer to finalize the
	// container after the quit command.
	StopGrace time.Duration
}

// ScreenCapture records the rendering host's display with an external grabber
// process. One capture at a time; Start while running is an error.
type ScreenCapture struct {
	cfg    ScreenCaptureConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    string
	logger zerolog.Logger
}

var _ Capture = (*ScreenCapture)(nil)

// NewScreenCapture builds a ScreenCapture with defaults filled in.
func NewScreenCapture(cfg ScreenCaptureConfig) *ScreenCapture {
	if cfg.Bin == "" {
		cfg.Bin = "ffmpeg"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	return &ScreenCapture{cfg: cfg, logger: log.WithComponent("capture")}
}

func (c *ScreenCapture) args(outPath string) []string {
	return []string{
		"-y",
		"-f", "x11grab",
		"-video_size", c.cfg.VideoSize,
		"-framerate", strconv.Itoa(c.cfg.FrameRate),
		"-i", c.cfg.Display,
		"-c:v", "libx264", "-preset", "ultrafast", "-qp", "0",
		"-pix_fmt", "yuv444p",
		outPath,
	}
}

func (c *ScreenCapture) Start(ctx context.Context, outPath string) error {
	if c.cmd != nil {
		return fmt.Errorf("browser: capture already running")
	}
	cmd := exec.CommandContext(ctx, c.cfg.Bin, c.args(outPath)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start capture: %w", err)
	}
	c.cmd, c.stdin, c.out = cmd, stdin, outPath
	c.logger.Debug().Str("file", outPath).Msg("capture started")
	return nil
}

// Stop asks the grabber to finalize and reports whether a playable file came
// out. A grabber that ignores the quit command within the grace period is
// killed and the capture counts as failed.
func (c *ScreenCapture) Stop(ctx context.Context) (CaptureResult, error) {
	if c.cmd == nil {
		return CaptureResult{}, fmt.Errorf("browser: capture not running")
	}
	cmd, out := c.cmd, c.out
	c.cmd = nil

	_, werr := io.WriteString(c.stdin, "q")
	_ = c.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(c.cfg.StopGrace):
		_ = cmd.Process.Kill()
		waitErr = fmt.Errorf("browser: capture did not stop, killed")
		<-done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return CaptureResult{File: out}, ctx.Err()
	}

	info, statErr := os.Stat(out)
	ok := werr == nil && waitErr == nil && statErr == nil && info.Size() > 0
	if !ok {
		c.logger.Warn().Err(waitErr).Str("file", out).Msg("capture failed")
	}
	return CaptureResult{OK: ok, File: out}, nil
}

// PKiller terminates plugin container processes by name when the crash
// watchdog fires.
type PKiller struct {
	Processes []string
	logger    zerolog.Logger
}

var _ ProcessKiller = (*PKiller)(nil)

// NewPKiller builds a killer for the named processes.
func NewPKiller(processes []string) *PKiller {
	return &PKiller{Processes: processes, logger: log.WithComponent("capture")}
}

// KillPluginProcesses pkills every configured process name. A name with no
// matching process is not an error.
func (k *PKiller) KillPluginProcesses(ctx context.Context) error {
	for _, name := range k.Processes {
		out, err := exec.CommandContext(ctx, "pkill", "-x", name).CombinedOutput()
		if err != nil {
			var exitErr *exec.ExitError
			// pkill exits 1 when nothing matched.
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
				continue
			}
			return fmt.Errorf("browser: pkill %s: %w: %s", name, err, out)
		}
		k.logger.Info().Str("process", name).Msg("killed plugin process")
	}
	return nil
}
