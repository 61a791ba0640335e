// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunBatchDrainsQueue(t *testing.T) {
	left := 3
	calls := 0
	r := NewRunner("test", func(context.Context) (bool, error) {
		calls++
		left--
		return left > 0, nil
	}, nil)

	require.NoError(t, r.RunBatch(context.Background(), 0))
	assert.Equal(t, 3, calls)
}

func TestRunBatchHonorsMaxIterations(t *testing.T) {
	calls := 0
	r := NewRunner("test", func(context.Context) (bool, error) {
		calls++
		return true, nil
	}, nil)

	require.NoError(t, r.RunBatch(context.Background(), 5))
	assert.Equal(t, 5, calls)
}

func TestRunBatchStopsOnError(t *testing.T) {
	calls := 0
	r := NewRunner("test", func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return false, fmt.Errorf("session died")
		}
		return true, nil
	}, nil)

	err := r.RunBatch(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunBatchStopsWhenPaused(t *testing.T) {
	sentinel := &Sentinel{}
	calls := 0
	r := NewRunner("test", func(context.Context) (bool, error) {
		calls++
		sentinel.paused.Store(true)
		return true, nil
	}, sentinel)

	require.NoError(t, r.RunBatch(context.Background(), 0))
	assert.Equal(t, 1, calls)
}

func TestRunBatchHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner("test", func(context.Context) (bool, error) {
		t.Fatal("worker ran under canceled context")
		return false, nil
	}, nil)

	err := r.RunBatch(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSentinelWatch(t *testing.T) {
	s := &Sentinel{}
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Watch(pr)
	}()

	_, err := pw.Write([]byte("pause\n"))
	require.NoError(t, err)
	assert.Eventually(t, s.Paused, time.Second, time.Millisecond)

	_, err = pw.Write([]byte("resume\nnonsense\nexit\n"))
	require.NoError(t, err)
	<-done
	assert.False(t, s.Paused())
	assert.True(t, s.Exited())
	require.NoError(t, pw.Close())
}

func TestSentinelWatchEOF(t *testing.T) {
	s := &Sentinel{}
	s.Watch(strings.NewReader("pause\n"))
	assert.True(t, s.Paused())
	assert.False(t, s.Exited())
}

func TestSchedulerAddValidatesSpec(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Add("*/10 * * * *", "test", func() {}))
	assert.Error(t, s.Add("bad spec", "broken", func() {}))
	s.Start()
	s.Stop()
}
