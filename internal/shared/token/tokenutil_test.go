package tokenutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFast(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "empty", in: "", want: 0},
		{name: "whitespace", in: "   \n\t  ", want: 0},
		{name: "word count wins", in: "a b c d", want: 4},
		{name: "rune count wins", in: strings.Repeat("x", 40), want: 10},
		{name: "single short", in: "hi", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, EstimateFast(tt.in))
		})
	}
}

func TestCountTokensWithoutEncodingUsesEstimate(t *testing.T) {
	if encoding.Load() != nil {
		t.Skip("encoding already loaded")
	}
	assert.Zero(t, CountTokens(""))
	text := "The quick brown fox jumps over the lazy dog"
	assert.Equal(t, EstimateFast(text), CountTokens(text))
}

func TestTruncateChars(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", TruncateChars("short", 10))
	assert.Equal(t, "short", TruncateChars("short", 0))
	assert.Equal(t, "abc"+TruncationMarker, TruncateChars("abcdef", 3))
	assert.Equal(t, "héé"+TruncationMarker, TruncateChars("héééé", 3))
}

func TestClip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Clip("abcdef", 3))
	assert.Equal(t, "abc", Clip("abc", 3))
}
