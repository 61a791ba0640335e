// SPDX-License-Identifier: MIT

// webtape discovers, records, approves, publishes and compiles video captures
// of archived web snapshots. Each pipeline stage is a subcommand; run mode
// drives the whole pipeline on cron schedules in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: webtape [flags] <command> [args]

Commands:
  scout [N]        discover and score queued snapshots
  record [N]       capture scouted snapshots to video
  approve [N]      review recorded captures interactively (-tts plays narration)
  publish [N]      post approved captures to the enabled backends
  compile          concatenate recordings (-published A B | -any KIND IDS)
  enqueue          queue a URL (enqueue [-option k=v] scout|record|publish URL [TIMESTAMP])
  save             retry failed missing-asset saves
  delete           remove artifacts (-unapproved, -compiled, -temporary)
  stats            print pipeline counters
  graph            inspect the snapshot graph (-trace ID | -next N)
  run              run every enabled worker on its cron schedule
  config           print or validate the effective configuration

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		cfgPath  = flag.String("config", "", "configuration file (JSON or YAML)")
		logLevel = flag.String("log-level", "", "log level override")
		showVer  = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVer {
		fmt.Printf("webtape %s (%s, built %s)\n", version, commit, buildDate)
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	os.Exit(run(*cfgPath, *logLevel, args[0], args[1:]))
}

func run(cfgPath, logLevel, cmd string, args []string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Configure(log.Config{Level: logLevel})
		logger := log.WithComponent("main")
		logger.Error().Err(err).Msg("configuration invalid")
		return 1
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	var out io.Writer = os.Stderr
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	log.Configure(log.Config{Level: logLevel, Output: out})
	logger := log.WithComponent("main")

	if cmd == "config" {
		return runConfigCmd(cfg, args)
	}

	a, err := newApp(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Str("command", cmd).
		Str("database", cfg.Database.Path).
		Msg("starting")

	var cmdErr error
	switch cmd {
	case "scout":
		cmdErr = a.runScout(ctx, args)
	case "record":
		cmdErr = a.runRecord(ctx, args)
	case "approve":
		cmdErr = a.runApprove(ctx, args)
	case "publish":
		cmdErr = a.runPublish(ctx, args)
	case "compile":
		cmdErr = a.runCompile(ctx, args)
	case "enqueue":
		cmdErr = a.runEnqueue(ctx, args)
	case "save":
		cmdErr = a.runSave(ctx)
	case "delete":
		cmdErr = a.runDelete(ctx, args)
	case "stats":
		cmdErr = a.runStats(ctx)
	case "graph":
		cmdErr = a.runGraph(ctx, args)
	case "run":
		cmdErr = a.runDaemon(ctx)
	default:
		fmt.Fprintf(os.Stderr, "webtape: unknown command %q\n", cmd)
		usage()
		return 2
	}
	if cmdErr != nil && !errors.Is(cmdErr, context.Canceled) {
		logger.Error().Err(cmdErr).Str("command", cmd).Msg("command failed")
		return 1
	}
	logger.Info().Str("command", cmd).Msg("done")
	return 0
}

// runConfigCmd handles the config print/validate pair. Validation already
// happened during load; reaching this point means the document parsed.
func runConfigCmd(cfg *config.Config, args []string) int {
	sub := "print"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "print":
		text, err := cfg.Print()
		if err != nil {
			fmt.Fprintf(os.Stderr, "webtape: %v\n", err)
			return 1
		}
		fmt.Println(text)
	case "validate":
		fmt.Println("configuration ok")
	default:
		fmt.Fprintf(os.Stderr, "usage: webtape config [print|validate]\n")
		return 2
	}
	return 0
}
