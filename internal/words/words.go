// SPDX-License-Identifier: MIT

// Package words turns extracted page text into vocabulary observations:
// tokenization, occurrence counting and language detection.
package words

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"github.com/ikawaha/kagome-dict/ipa"
	kagome "github.com/ikawaha/kagome/v2/tokenizer"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits page text into lowercase tokens. Every non-letter code
// point is a delimiter. With Japanese segmentation enabled, runs of letters
// are additionally split by a morphological analyzer, since Japanese does not
// delimit words with punctuation or spaces.
type Tokenizer struct {
	segmenter *kagome.Tokenizer
}

// NewTokenizer builds a Tokenizer. The IPA dictionary loads lazily-shared
// data, so constructing with segmentation enabled is cheap after the first
// call.
func NewTokenizer(japaneseSegmentation bool) (*Tokenizer, error) {
	t := &Tokenizer{}
	if japaneseSegmentation {
		seg, err := kagome.New(ipa.Dict(), kagome.OmitBosEos())
		if err != nil {
			return nil, err
		}
		t.segmenter = seg
	}
	return t, nil
}

// Tokenize returns the lowercase tokens of text, empty tokens dropped.
// Text is NFKC-normalized first so full-width Latin, common on Japanese
// pages of the era, matches its ASCII vocabulary entries.
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, run := range splitLetters(norm.NFKC.String(text)) {
		if t.segmenter != nil && hasJapanese(run) {
			for _, tok := range t.segmenter.Tokenize(run) {
				if s := strings.ToLower(tok.Surface); s != "" {
					out = append(out, s)
				}
			}
			continue
		}
		out = append(out, strings.ToLower(run))
	}
	return out
}

// splitLetters cuts text into maximal runs of letter code points.
func splitLetters(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func hasJapanese(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}

// Count tallies token occurrences.
func Count(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// DetectLanguage returns the ISO 639-1 code of the dominant language of text,
// or "" when detection is not confident enough to act on.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
