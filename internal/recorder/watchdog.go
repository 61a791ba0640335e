// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/browser"
)

// Watchdog is the one-shot plugin crash timer. Plugins of the replayed era
// hang in native code where no browser timeout reaches them; when the
// deadline passes, the watchdog kills the plugin container and helper
// launcher processes and the pass counts as crashed.
type Watchdog struct {
	timer *time.Timer
	fired atomic.Bool
}

// StartWatchdog arms a watchdog for one pass.
func StartWatchdog(d time.Duration, killer browser.ProcessKiller, logger zerolog.Logger) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(d, func() {
		w.fired.Store(true)
		logger.Warn().Dur("deadline", d).Msg("plugin crash timer fired, killing plugin processes")
		if err := killer.KillPluginProcesses(context.Background()); err != nil {
			logger.Error().Err(err).Msg("plugin kill failed")
		}
	})
	return w
}

// Stop disarms the watchdog and reports whether it had already fired.
func (w *Watchdog) Stop() bool {
	w.timer.Stop()
	return w.fired.Load()
}

// Fired reports whether the deadline passed.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}
