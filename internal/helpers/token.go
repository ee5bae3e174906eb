// Package helpers holds small shared utilities: token counting and
// rate limiting for outbound provider calls.
package helpers

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// CountTokens returns a token count for text using the cl100k_base
// encoding, falling back to a character heuristic when the encoding
// cannot be initialized.
func CountTokens(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is a cheap heuristic: max(runes/4, words).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
