// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// MutableOptions is the allow-list of per-snapshot option keys. Everything
// else in a snapshot's options bag is a config error, rejected at load time
// rather than silently ignored at apply time.
var MutableOptions = map[string]bool{
	"encoding":     true,
	"script":       true,
	"min_duration": true,
	"max_duration": true,
	"sync_fix":     true,
	"narrate":      true,
	"audio_mix":    true,
	"img_alt_text": true,
	"save_missing": true,
}

// ValidateOptions rejects option bags containing keys outside MutableOptions.
func ValidateOptions(opts map[string]any) error {
	for k := range opts {
		if !MutableOptions[k] {
			return fmt.Errorf("config: option %q is not mutable", k)
		}
	}
	return nil
}

// ApplyOptions overlays a snapshot's options bag onto a copy of the record
// section. Unknown keys must have been rejected at load time already; they
// are ignored here.
func (r RecordConfig) ApplyOptions(opts map[string]any) RecordConfig {
	out := r
	for k, v := range opts {
		switch k {
		case "encoding":
			if s, ok := v.(string); ok {
				out.Encoding = s
			}
		case "script":
			if s, ok := v.(string); ok {
				out.Script = s
			}
		case "sync_fix":
			if s, ok := v.(string); ok {
				out.SyncFix = s
			}
		case "min_duration":
			if d, ok := optionDuration(v); ok {
				out.MinDuration = d
			}
		case "max_duration":
			if d, ok := optionDuration(v); ok {
				out.MaxDuration = d
			}
		case "narrate":
			if b, ok := v.(bool); ok {
				out.Narrate = b
			}
		case "audio_mix":
			if b, ok := v.(bool); ok {
				out.AudioMix = b
			}
		case "img_alt_text":
			if b, ok := v.(bool); ok {
				out.ImgAltText = b
			}
		case "save_missing":
			if b, ok := v.(bool); ok {
				out.SaveMissing = b
			}
		}
	}
	return out
}

// optionDuration accepts JSON numbers (seconds) and duration strings.
func optionDuration(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second)), true
	case int:
		return time.Duration(t) * time.Second, true
	case string:
		d, err := time.ParseDuration(t)
		return d, err == nil
	default:
		return 0, false
	}
}

// LoadVocabulary returns the effective vocabulary. When vocabulary.file is
// set, that document wins over the inline maps, so run mode can hot-reload
// word scores without restarting.
func (c *Config) LoadVocabulary() (VocabularyConfig, error) {
	if c.Vocabulary.File == "" {
		return c.Vocabulary, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(c.Vocabulary.File), pickParser(c.Vocabulary.File)); err != nil {
		return VocabularyConfig{}, fmt.Errorf("config: vocabulary %s: %w", c.Vocabulary.File, err)
	}
	v := VocabularyConfig{File: c.Vocabulary.File}
	if err := k.Unmarshal("", &v); err != nil {
		return VocabularyConfig{}, fmt.Errorf("config: vocabulary unmarshal: %w", err)
	}
	return v, nil
}
