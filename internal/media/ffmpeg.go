// SPDX-License-Identifier: MIT

package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oldweb/webtape/internal/log"
)

// Runner executes one external command and returns combined output. Split out
// so the command builders are testable without the binaries installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("media: %s: %w: %s", name, err, tail(buf.Bytes()))
	}
	return buf.Bytes(), nil
}

func tail(out []byte) string {
	const n = 400
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}

// FFmpeg implements Prober and Transcoder against ffmpeg/ffprobe style
// binaries.
type FFmpeg struct {
	FFmpegBin  string
	FFprobeBin string
	SynthBin   string // MIDI renderer, fluidsynth style
	runner     Runner
}

// NewFFmpeg builds the default implementation. A nil runner uses exec.
func NewFFmpeg(runner Runner) *FFmpeg {
	if runner == nil {
		runner = execRunner{}
	}
	return &FFmpeg{
		FFmpegBin:  "ffmpeg",
		FFprobeBin: "ffprobe",
		SynthBin:   "fluidsynth",
		runner:     runner,
	}
}

var (
	_ Prober     = (*FFmpeg)(nil)
	_ Transcoder = (*FFmpeg)(nil)
)

// CheckBinaries verifies the external binaries exist; a missing transcoder is
// a fatal init error.
func (f *FFmpeg) CheckBinaries() error {
	for _, bin := range []string{f.FFmpegBin, f.FFprobeBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("media: required binary %q not found: %w", bin, err)
		}
	}
	return nil
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration:format_tags=title,artist:stream=codec_type,width,height,avg_frame_rate",
		"-of", "json", path,
	}
}

type probeJSON struct {
	Format struct {
		Duration string `json:"duration"`
		Tags     struct {
			Title  string `json:"title"`
			Artist string `json:"artist"`
		} `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, err := f.runner.Run(ctx, f.FFprobeBin, probeArgs(path)...)
	if err != nil {
		return ProbeResult{}, err
	}
	var pj probeJSON
	if err := json.Unmarshal(out, &pj); err != nil {
		return ProbeResult{}, fmt.Errorf("media: probe parse: %w", err)
	}
	res := ProbeResult{Title: pj.Format.Tags.Title, Author: pj.Format.Tags.Artist}
	if secs, err := strconv.ParseFloat(pj.Format.Duration, 64); err == nil {
		res.Duration = time.Duration(secs * float64(time.Second))
	}
	for _, s := range pj.Streams {
		switch s.CodecType {
		case "audio":
			res.HasAudioStream = true
		case "video":
			res.Width, res.Height = s.Width, s.Height
			res.FrameRate = parseFrameRate(s.AvgFrameRate)
		}
	}
	return res, nil
}

func parseFrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		v, _ := strconv.ParseFloat(r, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

var silenceRe = regexp.MustCompile(`silence_duration:\s*([0-9.]+)`)

func silenceArgs(path string) []string {
	return []string{
		"-hide_banner", "-nostats",
		"-i", path,
		"-af", "silencedetect=noise=-50dB:d=0.1",
		"-f", "null", "-",
	}
}

// SilenceDuration sums the silencedetect intervals of the audio track.
func (f *FFmpeg) SilenceDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := f.runner.Run(ctx, f.FFmpegBin, silenceArgs(path)...)
	if err != nil {
		return 0, err
	}
	return SumSilence(out), nil
}

// SumSilence totals silence_duration lines from silencedetect output.
func SumSilence(out []byte) time.Duration {
	var total time.Duration
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if m := silenceRe.FindStringSubmatch(sc.Text()); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
				total += time.Duration(secs * float64(time.Second))
			}
		}
	}
	return total
}

func (f *FFmpeg) Postprocess(ctx context.Context, in, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin,
		"-y", "-i", in,
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-pix_fmt", "yuv420p", "-movflags", "+faststart",
		"-c:a", "aac", out)
	return err
}

func (f *FFmpeg) ArchiveGrade(ctx context.Context, in, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin,
		"-y", "-i", in,
		"-c:v", "libx264", "-preset", "slow", "-crf", "16",
		"-c:a", "flac", out)
	return err
}

func remuxArgs(in, out string) []string {
	return []string{"-y", "-i", in, "-c", "copy", "-bsf:v", "h264_mp4toannexb", "-f", "mpegts", out}
}

func (f *FFmpeg) RemuxTS(ctx context.Context, in, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin, remuxArgs(in, out)...)
	return err
}

func transitionArgs(ref ProbeResult, color string, d time.Duration, sfx, out string) []string {
	rate := ref.FrameRate
	if rate <= 0 {
		rate = 25
	}
	src := fmt.Sprintf("color=c=%s:s=%dx%d:r=%g:d=%g",
		color, ref.Width, ref.Height, rate, d.Seconds())
	args := []string{"-y", "-f", "lavfi", "-i", src}
	if sfx != "" {
		args = append(args, "-i", sfx, "-shortest", "-c:a", "aac")
	} else {
		args = append(args,
			"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=44100:cl=stereo:d=%g", d.Seconds()),
			"-shortest", "-c:a", "aac")
	}
	return append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-f", "mpegts", out)
}

func (f *FFmpeg) Transition(ctx context.Context, ref ProbeResult, color string, d time.Duration, sfx, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin, transitionArgs(ref, color, d, sfx, out)...)
	return err
}

func concatArgs(listFile, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", out}
}

func (f *FFmpeg) Concat(ctx context.Context, listFile, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin, concatArgs(listFile, out)...)
	return err
}

// ConcatList renders the concat demuxer file-list protocol. Single quotes in
// paths are escaped the way the demuxer expects.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

func (f *FFmpeg) MuxNarration(ctx context.Context, audio, out string) error {
	_, err := f.runner.Run(ctx, f.FFmpegBin,
		"-y",
		"-f", "lavfi", "-i", "color=c=black:s=640x480:r=25",
		"-i", audio,
		"-shortest", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "aac", out)
	return err
}

func (f *FFmpeg) OverlayAudio(ctx context.Context, video string, audio []string, out string) error {
	args := []string{"-y", "-i", video}
	for _, a := range audio {
		args = append(args, "-i", a)
	}
	// amix over the original track plus every discovered asset.
	filter := fmt.Sprintf("amix=inputs=%d:duration=first", len(audio)+1)
	args = append(args, "-filter_complex", filter, "-c:v", "copy", out)
	_, err := f.runner.Run(ctx, f.FFmpegBin, args...)
	return err
}

func (f *FFmpeg) RenderMIDI(ctx context.Context, midi, soundfont, out string) error {
	_, err := f.runner.Run(ctx, f.SynthBin, "-ni", soundfont, midi, "-F", out, "-r", "44100")
	return err
}

func (f *FFmpeg) Shrink(ctx context.Context, in, out string, maxBytes int64) error {
	probe, err := f.Probe(ctx, in)
	if err != nil {
		return err
	}
	secs := probe.Duration.Seconds()
	if secs <= 0 {
		return fmt.Errorf("media: cannot shrink %s: unknown duration", in)
	}
	// Target 90% of the cap to leave container overhead headroom.
	kbps := int(float64(maxBytes) * 8 * 0.9 / secs / 1000)
	if kbps < 100 {
		return fmt.Errorf("media: %s does not fit %d bytes at a watchable bitrate", in, maxBytes)
	}
	logger := log.WithComponent("media")
	logger.Debug().
		Str("in", filepath.Base(in)).Int("kbps", kbps).Msg("shrinking for size cap")
	_, err = f.runner.Run(ctx, f.FFmpegBin,
		"-y", "-i", in,
		"-c:v", "libx264", "-b:v", fmt.Sprintf("%dk", kbps),
		"-maxrate", fmt.Sprintf("%dk", kbps), "-bufsize", fmt.Sprintf("%dk", kbps*2),
		"-c:a", "aac", "-b:a", "96k", out)
	return err
}

func segmentArgs(in, pattern string, seconds int) []string {
	return []string{
		"-y", "-i", in, "-c", "copy", "-f", "segment",
		"-segment_time", strconv.Itoa(seconds), "-reset_timestamps", "1", pattern,
	}
}

func (f *FFmpeg) Segment(ctx context.Context, in string, seconds int) ([]string, error) {
	dir, base := filepath.Split(in)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	pattern := filepath.Join(dir, stem+".part%03d"+filepath.Ext(base))
	if _, err := f.runner.Run(ctx, f.FFmpegBin, segmentArgs(in, pattern, seconds)...); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, stem+".part*"+filepath.Ext(base)))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
