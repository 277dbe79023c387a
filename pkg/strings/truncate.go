package strings

import (
	"strings"
)

// DefaultErrorMaxLen is the default maximum length for error messages in
// formatted output.
const DefaultErrorMaxLen = 60

// MinTruncateLen is the minimum maxLen value for TruncateOneLine. Values
// smaller than this would not leave room for meaningful content plus "...".
const MinTruncateLen = 4

// TruncateOneLine truncates a string to maxLen characters and ensures
// single-line output. It replaces newlines with spaces, collapses runs of
// whitespace into single spaces, and adds "..." if truncated.
//
// The function operates on runes rather than bytes, so multi-byte characters
// are never cut in half.
func TruncateOneLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	// strings.Fields splits on any whitespace (\n, \r, \t, repeated spaces).
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
