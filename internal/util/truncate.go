package util

import "fmt"

// DefaultLogMaxLen caps logged provider error bodies, which can carry
// full HTML error pages.
const DefaultLogMaxLen = 512

// TruncateLog truncates long strings for log output.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
