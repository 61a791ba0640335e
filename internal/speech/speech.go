// SPDX-License-Identifier: MIT

// Package speech synthesizes narration audio from extracted page text via an
// external speech engine.
package speech

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes the speech binary. Injectable so tests assert the built
// command lines without a synthesizer installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("speech: %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// voices maps ISO 639-1 language codes to engine voice names. Unknown
// languages fall back to English.
var voices = map[string]string{
	"en": "en-us",
	"de": "de",
	"fr": "fr-fr",
	"es": "es",
	"it": "it",
	"pt": "pt",
	"nl": "nl",
	"sv": "sv",
	"fi": "fi",
	"ru": "ru",
	"pl": "pl",
	"cs": "cs",
	"ja": "ja",
	"ko": "ko",
	"zh": "cmn",
}

// Synthesizer drives an espeak-ng compatible engine.
type Synthesizer struct {
	Bin    string
	runner Runner
}

// New builds a Synthesizer; a nil runner executes the real binary.
func New(runner Runner) *Synthesizer {
	if runner == nil {
		runner = execRunner{}
	}
	return &Synthesizer{Bin: "espeak-ng", runner: runner}
}

// CheckBinary reports whether the engine is installed.
func (s *Synthesizer) CheckBinary() error {
	if _, err := exec.LookPath(s.Bin); err != nil {
		return fmt.Errorf("speech: %s not found: %w", s.Bin, err)
	}
	return nil
}

// VoiceFor returns the engine voice for a language code.
func VoiceFor(language string) string {
	if v, ok := voices[strings.ToLower(language)]; ok {
		return v
	}
	return voices["en"]
}

// Synthesize renders text to a WAV file using the voice mapped to language.
// The text goes through a file rather than the command line; page text can be
// arbitrarily long.
func (s *Synthesizer) Synthesize(ctx context.Context, text, language, outPath string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("speech: nothing to narrate")
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), "narration-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	_, err = s.runner.Run(ctx, s.Bin, synthesizeArgs(VoiceFor(language), tmp.Name(), outPath)...)
	return err
}

func synthesizeArgs(voice, textFile, outPath string) []string {
	return []string{"-v", voice, "-s", "155", "-f", textFile, "-w", outPath}
}
