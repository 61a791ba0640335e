// SPDX-License-Identifier: MIT

// Package media is the contract with the external probe/transcode binaries
// plus the command builders the default implementation feeds them.
package media

import (
	"context"
	"time"
)

// ProbeResult is what the prober reports about one file.
type ProbeResult struct {
	Duration       time.Duration
	Title          string
	Author         string
	HasAudioStream bool
	Width          int
	Height         int
	FrameRate      float64
}

// Prober inspects media files on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
	// SilenceDuration reports the total silent time of the audio track.
	SilenceDuration(ctx context.Context, path string) (time.Duration, error)
}

// Transcoder converts and assembles video artifacts.
type Transcoder interface {
	// Postprocess turns a raw capture into the upload-ready variant.
	Postprocess(ctx context.Context, in, out string) error
	// ArchiveGrade writes the high-quality archival variant.
	ArchiveGrade(ctx context.Context, in, out string) error
	// RemuxTS rewraps a clip as MPEG-TS for DTS-safe concatenation.
	RemuxTS(ctx context.Context, in, out string) error
	// Transition renders a solid-color segment matching the reference
	// geometry, with an optional sound effect.
	Transition(ctx context.Context, ref ProbeResult, color string, d time.Duration, sfx, out string) error
	// Concat joins the clips listed in listFile.
	Concat(ctx context.Context, listFile, out string) error
	// MuxNarration renders speech audio over a blank background video.
	MuxNarration(ctx context.Context, audio, out string) error
	// OverlayAudio mixes extra audio tracks over the recording.
	OverlayAudio(ctx context.Context, video string, audio []string, out string) error
	// RenderMIDI synthesizes a MIDI file to audio with a soundfont.
	RenderMIDI(ctx context.Context, midi, soundfont, out string) error
	// Shrink re-encodes to fit under a byte budget (publisher size caps).
	Shrink(ctx context.Context, in, out string, maxBytes int64) error
	// Segment splits a clip into consecutive pieces of at most seconds each
	// and returns their paths.
	Segment(ctx context.Context, in string, seconds int) ([]string, error)
}

// audibleThreshold is the minimum non-silent time before a track counts as
// carrying audio.
const audibleThreshold = 200 * time.Millisecond

// HasAudible decides the has_audio flag from probe output: enough non-silent
// time, or failing that, the mere presence of an audio stream.
func HasAudible(p ProbeResult, silence time.Duration) bool {
	if p.Duration-silence > audibleThreshold {
		return true
	}
	return p.HasAudioStream
}
