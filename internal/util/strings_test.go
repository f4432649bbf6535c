package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "shorter than limit",
			input:  "abc123",
			maxLen: 10,
			want:   "abc123",
		},
		{
			name:   "exactly the limit",
			input:  "eight-ch",
			maxLen: 8,
			want:   "eight-ch",
		},
		{
			name:   "authorization code logged as prefix",
			input:  "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
			maxLen: 8,
			want:   "dBjftJeZ",
		},
		{
			name:   "empty input",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "zero limit hides everything",
			input:  "secret",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "negative limit hides everything",
			input:  "secret",
			maxLen: -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSafeTruncate_NeverReturnsMoreThanLimit(t *testing.T) {
	// The whole point of the helper is that a log line can never carry more
	// of a secret than the caller allowed.
	secret := "very-long-refresh-token-value-that-must-not-leak"
	for maxLen := -1; maxLen <= len(secret)+2; maxLen++ {
		got := SafeTruncate(secret, maxLen)
		if maxLen >= 0 && len(got) > maxLen {
			t.Fatalf("SafeTruncate(_, %d) returned %d bytes", maxLen, len(got))
		}
		if maxLen < 0 && got != "" {
			t.Fatalf("SafeTruncate(_, %d) = %q, want empty", maxLen, got)
		}
	}
}
