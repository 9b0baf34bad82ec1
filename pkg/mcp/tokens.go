package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken approximates tokens for English text. Threshold estimation
// only, not exact counting.
const charsPerToken = 4

// DefaultResultMaxTokens caps external tool output before it enters the
// conversation. Oversized results would crowd out the rest of the context.
const DefaultResultMaxTokens = 8000

// EstimateTokens approximates the token count of text at ~4 chars/token,
// rounded up. len() counts bytes, so multi-byte content overestimates,
// which errs toward truncating earlier.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateResult cuts content to roughly maxTokens, preferring the last
// newline before the limit so indented JSON or log output is not split
// mid-line. A marker records the original size.
func TruncateResult(content string, maxTokens int) string {
	maxChars := maxTokens * charsPerToken
	if maxTokens <= 0 || len(content) <= maxChars {
		return content
	}

	// Do not split a multi-byte character.
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: tool output was %d characters, limit %d]",
		len(content), maxChars)
}
