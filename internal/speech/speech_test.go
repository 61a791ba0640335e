// SPDX-License-Identifier: MIT

package speech

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, nil
}

func TestVoiceFor(t *testing.T) {
	assert.Equal(t, "de", VoiceFor("de"))
	assert.Equal(t, "ja", VoiceFor("JA"))
	assert.Equal(t, "en-us", VoiceFor(""), "unknown languages narrate in English")
	assert.Equal(t, "en-us", VoiceFor("tlh"))
}

func TestSynthesizeWritesTextFile(t *testing.T) {
	runner := &recordingRunner{}
	s := New(runner)
	out := filepath.Join(t.TempDir(), "narration.wav")

	require.NoError(t, s.Synthesize(context.Background(), "welcome to my home page", "en", out))
	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "espeak-ng", call[0])
	assert.Contains(t, call, "en-us")
	assert.Contains(t, call, out)

	// The temp text file is cleaned up after the run.
	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	s := New(&recordingRunner{})
	err := s.Synthesize(context.Background(), "   \n", "en", filepath.Join(t.TempDir(), "o.wav"))
	assert.Error(t, err)
}
