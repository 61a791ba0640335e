// SPDX-License-Identifier: MIT

// Package approver is the interactive review loop: it plays each fresh
// recording for a human and writes the verdict back.
package approver

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/fsutil"
	"github.com/oldweb/webtape/internal/log"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/store"
)

// Player shows a video file to the reviewer and blocks until it finishes.
type Player interface {
	Play(ctx context.Context, path string) error
}

type execPlayer struct {
	bin string
}

func (p *execPlayer) Play(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, p.bin, "-autoexit", "-loglevel", "error", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("approver: play %s: %w: %s", path, err, tail(out))
	}
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}

// Approver drives the review loop over a terminal-style reader and writer.
type Approver struct {
	cfg    config.ApproveConfig
	paths  config.PathsConfig
	store  *store.Store
	sel    *store.Selector
	player Player
	in     *bufio.Scanner
	out    io.Writer
	logger zerolog.Logger
}

// New builds an Approver. A nil player falls back to ffplay.
func New(cfg config.ApproveConfig, paths config.PathsConfig, s *store.Store, sel *store.Selector, player Player, in io.Reader, out io.Writer) *Approver {
	if player == nil {
		player = &execPlayer{bin: "ffplay"}
	}
	return &Approver{
		cfg:    cfg,
		paths:  paths,
		store:  s,
		sel:    sel,
		player: player,
		in:     bufio.NewScanner(in),
		out:    out,
		logger: log.WithComponent("approver"),
	}
}

// Verdicts a reviewer can hand down.
const (
	verdictApprove     = "y"
	verdictReject      = "n"
	verdictRecordAgain = "r"
	verdictSkip        = "s"
)

// Iterate reviews one recording. Returns false when nothing awaits review.
func (a *Approver) Iterate(ctx context.Context) (bool, error) {
	snap, rec, err := a.sel.ApprovePick(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil || rec == nil {
		metrics.IterationsTotal.WithLabelValues("approve", "empty").Inc()
		return false, nil
	}

	upload, err := fsutil.Confine(a.paths.Recordings, rec.UploadFilename)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(upload); err != nil {
		// The file vanished from disk; there is nothing to judge, so the
		// snapshot silently goes back for another take.
		a.logger.Warn().Int64("recording", rec.ID).Str("file", rec.UploadFilename).
			Msg("capture file missing, sending back to the recorder")
		if err := a.apply(ctx, snap, rec, verdictRecordAgain, verdictSkip); err != nil {
			return false, err
		}
		metrics.IterationsTotal.WithLabelValues("approve", "missing").Inc()
		return true, nil
	}

	a.show(snap, rec)
	if err := a.player.Play(ctx, upload); err != nil {
		a.logger.Warn().Err(err).Msg("playback failed")
	}
	if a.cfg.PlayNarration && rec.NarrationFile != "" {
		if narr, err := fsutil.Confine(a.paths.Recordings, rec.NarrationFile); err == nil {
			if err := a.player.Play(ctx, narr); err != nil {
				a.logger.Warn().Err(err).Msg("narration playback failed")
			}
		}
	}

	verdict, err := a.prompt("publish? [y]es / [n]o / [r]ecord again: ",
		verdictApprove, verdictReject, verdictRecordAgain)
	if err != nil {
		return false, err
	}
	sensitive, err := a.prompt("sensitive? [y]es / [n]o / [s]kip: ",
		verdictApprove, verdictReject, verdictSkip)
	if err != nil {
		return false, err
	}
	if err := a.apply(ctx, snap, rec, verdict, sensitive); err != nil {
		return false, err
	}
	metrics.IterationsTotal.WithLabelValues("approve", verdict).Inc()
	return true, nil
}

func (a *Approver) show(snap *store.Snapshot, rec *store.Recording) {
	points := 0.0
	if snap.Points != nil {
		points = *snap.Points
	}
	fmt.Fprintf(a.out, "\n#%d  %s\n", snap.ID, snap.PageTitle)
	fmt.Fprintf(a.out, "  %s @ %s\n", snap.URL, snap.Timestamp)
	fmt.Fprintf(a.out, "  points %.1f  sensitive %v  plugins %v  audio %v\n",
		points, snap.IsSensitive, snap.PageUsesPlugins, rec.HasAudio)
}

// prompt reads lines until one matches an accepted answer.
func (a *Approver) prompt(question string, accepted ...string) (string, error) {
	for {
		fmt.Fprint(a.out, question)
		if !a.in.Scan() {
			if err := a.in.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		answer := strings.ToLower(strings.TrimSpace(a.in.Text()))
		for _, ok := range accepted {
			if answer == ok {
				return answer, nil
			}
		}
	}
}

// apply commits one verdict pair in a single transaction.
func (a *Approver) apply(ctx context.Context, snap *store.Snapshot, rec *store.Recording, verdict, sensitive string) error {
	return a.store.Tx(ctx, func(tx *sql.Tx) error {
		switch verdict {
		case verdictApprove:
			if err := store.TransitionState(ctx, tx, snap.ID, store.StateRecorded, store.StateApproved); err != nil {
				return err
			}
		case verdictReject:
			if err := store.TransitionState(ctx, tx, snap.ID, store.StateRecorded, store.StateRejected); err != nil {
				return err
			}
			if err := store.MarkRecordingProcessed(ctx, tx, rec.ID); err != nil {
				return err
			}
		case verdictRecordAgain:
			if err := store.TransitionState(ctx, tx, snap.ID, store.StateRecorded, store.StateScouted); err != nil {
				return err
			}
			if err := store.SetPriority(ctx, tx, snap.ID, store.PriorityRecord); err != nil {
				return err
			}
			if err := store.MarkRecordingProcessed(ctx, tx, rec.ID); err != nil {
				return err
			}
		}
		switch sensitive {
		case verdictApprove:
			v := true
			return store.SetSensitiveOverride(ctx, tx, snap.ID, &v)
		case verdictReject:
			v := false
			return store.SetSensitiveOverride(ctx, tx, snap.ID, &v)
		default:
			return nil
		}
	})
}
