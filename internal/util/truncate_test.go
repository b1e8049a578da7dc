package util

import (
	"strings"
	"testing"
)

func TestTruncateLog(t *testing.T) {
	short := "short message"
	if got := TruncateLog(short, 100); got != short {
		t.Errorf("TruncateLog(short) = %q, want unchanged", got)
	}

	long := strings.Repeat("x", 600)
	got := TruncateLog(long, DefaultLogMaxLen)
	if len(got) >= len(long) {
		t.Errorf("TruncateLog did not shorten: %d bytes", len(got))
	}
	if !strings.Contains(got, "600 bytes total") {
		t.Errorf("truncation marker missing: %q", got)
	}
}
