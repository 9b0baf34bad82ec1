package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))  // rounds up
	assert.Equal(t, 1, EstimateTokens("abcd")) // exactly one token
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 250, EstimateTokens(strings.Repeat("x", 1000)))
}

func TestTruncateResult_ShortContentUntouched(t *testing.T) {
	content := "line one\nline two"
	assert.Equal(t, content, TruncateResult(content, 100))
}

func TestTruncateResult_CutsAtLineBoundary(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("0123456789\n") // 11 bytes per line
	}
	content := sb.String()

	out := TruncateResult(content, 10) // 40 char budget
	assert.Less(t, len(out), len(content))
	assert.Contains(t, out, "[TRUNCATED:")

	// The kept part ends on a full line, not mid-number.
	kept := out[:strings.Index(out, "\n\n[TRUNCATED:")]
	assert.True(t, strings.HasSuffix(kept, "0123456789"), "kept part should end on a complete line, got %q", kept)
}

func TestTruncateResult_ZeroBudgetMeansUnlimited(t *testing.T) {
	content := strings.Repeat("x", 10000)
	assert.Equal(t, content, TruncateResult(content, 0))
}

func TestTruncateResult_DoesNotSplitMultibyteRunes(t *testing.T) {
	content := strings.Repeat("日本語テキスト", 200)
	out := TruncateResult(content, 10)

	kept := out[:strings.Index(out, "\n\n[TRUNCATED:")]
	// Every byte in the kept part must remain valid UTF-8.
	assert.Equal(t, kept, strings.ToValidUTF8(kept, ""))
}
