package utils

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestPromptYesNo(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"No\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			got := PromptYesNoWithReader("Clear cache?", strings.NewReader(tt.input), io.Discard)
			if got != tt.want {
				t.Errorf("PromptYesNo(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestPromptYesNoRetryOnInvalid verifies the prompt repeats until a valid answer
func TestPromptYesNoRetryOnInvalid(t *testing.T) {
	var out bytes.Buffer
	got := PromptYesNoWithReader("Continue?", strings.NewReader("maybe\nwhat\ny\n"), &out)
	if !got {
		t.Error("expected true after retries")
	}
	if n := strings.Count(out.String(), "Continue? (y/n): "); n != 3 {
		t.Errorf("prompt shown %d times, want 3", n)
	}
}

func TestReadString(t *testing.T) {
	r := strings.NewReader("  user-42 \nsecret-token\n")
	got, err := ReadStringWithReader(r)
	if err != nil {
		t.Fatalf("ReadString error: %v", err)
	}
	if got != "user-42" {
		t.Errorf("ReadString = %q, want user-42", got)
	}
	if rest, _ := io.ReadAll(r); string(rest) != "secret-token\n" {
		t.Errorf("remaining input = %q, the next line was consumed", rest)
	}
	if got, err := ReadStringWithReader(strings.NewReader("last line")); err != nil || got != "last line" {
		t.Errorf("unterminated line = %q, %v", got, err)
	}

	if _, err := ReadStringWithReader(strings.NewReader("")); err == nil {
		t.Error("expected error on empty input")
	}
}
