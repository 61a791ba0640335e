// SPDX-License-Identifier: MIT

package words

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeDelimiters(t *testing.T) {
	tok, err := NewTokenizer(false)
	require.NoError(t, err)

	got := tok.Tokenize("Welcome to John's GAME page! (updated 1999/03/09)")
	want := []string{"welcome", "to", "john", "s", "game", "page", "updated"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizeFullWidth(t *testing.T) {
	tok, err := NewTokenizer(false)
	require.NoError(t, err)

	got := tok.Tokenize("ＧＡＭＥ　ＰＡＧＥ")
	want := []string{"game", "page"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizeEmpty(t *testing.T) {
	tok, err := NewTokenizer(false)
	require.NoError(t, err)
	assert.Empty(t, tok.Tokenize("  ... 123 !!! "))
}

func TestCount(t *testing.T) {
	counts := Count([]string{"game", "game", "page"})
	assert.Equal(t, 2, counts["game"])
	assert.Equal(t, 1, counts["page"])
}

func TestDetectLanguage(t *testing.T) {
	lang := DetectLanguage("This is a long enough English sentence about old web pages and their games.")
	assert.Equal(t, "en", lang)
	assert.Equal(t, "", DetectLanguage(""))
}

func TestJapaneseSegmentation(t *testing.T) {
	tok, err := NewTokenizer(true)
	require.NoError(t, err)

	got := tok.Tokenize("ようこそ私のホームページへ")
	assert.Greater(t, len(got), 1, "segmenter should split the unbroken run")
}
