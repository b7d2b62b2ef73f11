package services

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapPreservesMarker(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrTransient, "ledger", "claim", "http error", cause)

	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient marker", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	for _, fragment := range []string{"ledger", "claim", "http error", "connection refused"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error %q missing %q", err.Error(), fragment)
		}
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := Wrap(ErrConfiguration, "scheduler", "schedule", "queue not configured", nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 7, "this is"},
		{"", 5, ""},
	}
	for _, tc := range tests {
		if got := Truncate(tc.in, tc.limit); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}
