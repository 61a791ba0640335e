// SPDX-License-Identifier: MIT

// webtape-proxy is the interception proxy the recorder places between the
// period browser and the archive. It is driven over stdio: control commands
// arrive on stdin, traffic events leave on stdout, logs go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/proxybridge"
)

func main() {
	var (
		addr         = flag.String("addr", "127.0.0.1:8099", "listen address")
		webHost      = flag.String("web-host", archive.DefaultWebHost, "replay frontend base URL")
		cdxURL       = flag.String("cdx-url", archive.DefaultCDXURL, "CDX index endpoint")
		block        = flag.Bool("block-non-archive", true, "refuse traffic to non-archive hosts while scoped")
		liveProbe    = flag.Bool("live-probe", false, "probe the live web for missing assets")
		liveProbeRPS = flag.Float64("live-probe-rps", 0.5, "live probe rate limit")
		cdxRPS       = flag.Float64("cdx-rps", 1, "CDX fallback lookup rate limit")
		logLevel     = flag.String("log-level", "", "log level override")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "webtape-proxy"})
	logger := log.WithComponent("main")

	srv := proxybridge.NewServer(proxybridge.ServerConfig{
		WebHost:         *webHost,
		CDXURL:          *cdxURL,
		BlockNonArchive: *block,
		LiveProbe:       *liveProbe,
		LiveProbeRPS:    *liveProbeRPS,
		CDXRPS:          *cdxRPS,
	}, os.Stdout)

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("proxy listener failed")
		}
	}()
	logger.Info().Str("addr", *addr).Msg("interception proxy listening")

	// The recorder owns our lifetime: when it closes our stdin the capture
	// session is over and we shut down.
	srv.ControlLoop(os.Stdin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("interception proxy stopped")
}
