// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls [][]string
	out   []byte
	err   error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.out, r.err
}

func TestProbeParsesJSON(t *testing.T) {
	runner := &recordingRunner{out: []byte(`{
		"format": {"duration": "42.5", "tags": {"title": "Midnight", "artist": "DJ"}},
		"streams": [
			{"codec_type": "video", "width": 640, "height": 480, "avg_frame_rate": "30000/1001"},
			{"codec_type": "audio"}
		]
	}`)}
	f := NewFFmpeg(runner)

	res, err := f.Probe(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, 42500*time.Millisecond, res.Duration)
	assert.Equal(t, "Midnight", res.Title)
	assert.Equal(t, "DJ", res.Author)
	assert.True(t, res.HasAudioStream)
	assert.Equal(t, 640, res.Width)
	assert.InDelta(t, 29.97, res.FrameRate, 0.01)
}

func TestSumSilence(t *testing.T) {
	out := []byte(`[silencedetect @ 0x1] silence_start: 0
[silencedetect @ 0x1] silence_end: 1.5 | silence_duration: 1.5
[silencedetect @ 0x1] silence_start: 10
[silencedetect @ 0x1] silence_end: 12.25 | silence_duration: 2.25
`)
	assert.Equal(t, 3750*time.Millisecond, SumSilence(out))
	assert.Zero(t, SumSilence([]byte("frame=100 fps=25\n")))
}

func TestHasAudible(t *testing.T) {
	p := ProbeResult{Duration: 10 * time.Second, HasAudioStream: true}
	assert.True(t, HasAudible(p, 5*time.Second))
	assert.True(t, HasAudible(p, 10*time.Second), "falls back to stream presence")
	assert.False(t, HasAudible(ProbeResult{Duration: 10 * time.Second}, 10*time.Second))
}

func TestConcatList(t *testing.T) {
	got := ConcatList([]string{"/a/one.ts", "/a/it's.ts"})
	want := "file '/a/one.ts'\nfile '/a/it'\\''s.ts'\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("concat list mismatch (-want +got):\n%s", diff)
	}
}

func TestRemuxArgs(t *testing.T) {
	args := remuxArgs("in.mp4", "out.ts")
	assert.Contains(t, args, "mpegts")
	assert.Contains(t, args, "copy")
}

func TestTransitionArgsMatchGeometry(t *testing.T) {
	ref := ProbeResult{Width: 800, Height: 600, FrameRate: 30}
	args := transitionArgs(ref, "black", 2*time.Second, "", "t.ts")
	assert.Contains(t, args, "color=c=black:s=800x600:r=30:d=2")

	// Unknown framerate falls back rather than rendering a broken source.
	args = transitionArgs(ProbeResult{Width: 800, Height: 600}, "white", time.Second, "", "t.ts")
	assert.Contains(t, args, "color=c=white:s=800x600:r=25:d=1")
}

func TestShrinkRejectsUnwatchableBitrate(t *testing.T) {
	runner := &recordingRunner{out: []byte(`{"format": {"duration": "600"}, "streams": []}`)}
	f := NewFFmpeg(runner)
	err := f.Shrink(context.Background(), "in.mp4", "out.mp4", 1000)
	assert.Error(t, err)
	assert.Len(t, runner.calls, 1, "must not invoke the encoder")
}
