package textutil

import "testing"

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"koude_acquisitie-gesprek.mp4", "Koude Acquisitie Gesprek"},
		{"demo.mp4", "Demo"},
		{"already clean.mov", "Already Clean"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := DisplayName(tc.in); got != tc.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
