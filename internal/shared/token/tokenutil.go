// Package tokenutil estimates prompt sizes with tiktoken-go and trims text
// handed between workers. Until Warm has loaded the cl100k_base encoding a
// character heuristic is used instead.
package tokenutil

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TruncationMarker is appended to text cut by TruncateChars.
const TruncationMarker = "\n... [truncated]"

var (
	once     sync.Once
	encoding atomic.Pointer[tiktoken.Tiktoken]
)

// Warm loads the encoding. It may fetch the BPE ranks over the network, so
// callers run it off the request path. It reports whether the encoding is
// available.
func Warm() bool {
	once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding.Store(enc)
		}
	})
	return encoding.Load() != nil
}

// CountTokens returns the cl100k_base token count, or EstimateFast when the
// encoding has not been loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := encoding.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word_count), at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := utf8.RuneCountInString(trimmed) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateChars keeps the first maxChars runes of text and appends
// TruncationMarker when anything was cut. maxChars <= 0 disables the limit.
func TruncateChars(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars]) + TruncationMarker
}

// Clip keeps the first maxChars runes of text without a marker.
func Clip(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	return string([]rune(text)[:maxChars])
}
