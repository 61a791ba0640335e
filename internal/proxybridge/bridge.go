// SPDX-License-Identifier: MIT

package proxybridge

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

// ErrProxyGone marks the proxy process ending mid-capture; the recorder
// treats it as a session-level failure and ends the batch.
var ErrProxyGone = fmt.Errorf("proxybridge: proxy process gone")

const (
	ackTimeout = 10 * time.Second
	msgBuffer  = 4096
)

// Bridge drives one proxy process over its stdio.
type Bridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger zerolog.Logger

	writeMu sync.Mutex

	msgs chan *Message
	acks chan struct{}
	done chan struct{}
}

// Start launches the proxy binary and wires its stdio.
func Start(bin string, args ...string) (*Bridge, error) {
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxybridge: start %s: %w", bin, err)
	}
	b := newBridge(stdin, stdout)
	b.cmd = cmd
	return b, nil
}

// newBridge wires a bridge over raw pipes. Split from Start so tests can run
// against in-memory pipes instead of a child process.
func newBridge(stdin io.WriteCloser, stdout io.Reader) *Bridge {
	b := &Bridge{
		stdin:  stdin,
		logger: log.WithComponent("proxybridge"),
		msgs:   make(chan *Message, msgBuffer),
		acks:   make(chan struct{}, 4),
		done:   make(chan struct{}),
	}
	go b.readLoop(stdout)
	return b
}

func (b *Bridge) readLoop(stdout io.Reader) {
	defer close(b.done)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == ackLine {
			select {
			case b.acks <- struct{}{}:
			default:
			}
			continue
		}
		m, err := ParseMessage(line)
		if err != nil {
			b.logger.Warn().Str("line", line).Err(err).Msg("dropping malformed proxy line")
			continue
		}
		select {
		case b.msgs <- m:
		default:
			b.logger.Warn().Str("url", m.URL).Msg("proxy message buffer full, dropping")
		}
	}
}

// command writes one control line and waits for the ack.
func (b *Bridge) command(line string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := io.WriteString(b.stdin, line+"\n"); err != nil {
		return ErrProxyGone
	}
	select {
	case <-b.acks:
		return nil
	case <-b.done:
		return ErrProxyGone
	case <-time.After(ackTimeout):
		return fmt.Errorf("proxybridge: command ack timed out")
	}
}

// SetTimestamp puts the proxy in scoped mode for one capture.
func (b *Bridge) SetTimestamp(ts string) error {
	return b.command(timestampAssign(ts))
}

// ClearTimestamp returns the proxy to transparent mode.
func (b *Bridge) ClearTimestamp() error {
	return b.command(timestampAssign(""))
}

// Recv returns the next proxy message, or nil when none arrives within the
// timeout.
func (b *Bridge) Recv(timeout time.Duration) (*Message, error) {
	select {
	case m := <-b.msgs:
		return m, nil
	case <-b.done:
		return nil, ErrProxyGone
	case <-time.After(timeout):
		return nil, nil
	}
}

// Drain collects messages until the stream stays quiet for `quiet` or `total`
// elapses, whichever comes first.
func (b *Bridge) Drain(quiet, total time.Duration) ([]*Message, error) {
	deadline := time.Now().Add(total)
	var out []*Message
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}
		wait := quiet
		if wait > remaining {
			wait = remaining
		}
		m, err := b.Recv(wait)
		if err != nil {
			return out, err
		}
		if m == nil {
			return out, nil
		}
		out = append(out, m)
	}
}

// Close tears down the proxy process.
func (b *Bridge) Close() error {
	_ = b.stdin.Close()
	if b.cmd == nil {
		<-b.done
		return nil
	}
	waited := make(chan error, 1)
	go func() { waited <- b.cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(5 * time.Second):
		_ = b.cmd.Process.Kill()
		return <-waited
	}
}
