package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorWithSuggestionImplementsError(t *testing.T) {
	var _ error = &ErrorWithSuggestion{}
}

// TestErrorWithSuggestionError verifies Error() method output
func TestErrorWithSuggestionError(t *testing.T) {
	err := &ErrorWithSuggestion{
		Err:        errors.New("something went wrong"),
		Suggestion: "Try doing X",
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "something went wrong") {
		t.Errorf("Error() should contain error message, got: %s", errStr)
	}
	if !strings.Contains(errStr, "Suggestion: Try doing X") {
		t.Errorf("Error() should contain suggestion, got: %s", errStr)
	}
}

func TestErrorWithSuggestionUnwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := WrapWithSuggestion(underlying, "suggestion")

	if !errors.Is(err, underlying) {
		t.Error("wrapped error should match underlying with errors.Is")
	}

	var errWithSuggestion *ErrorWithSuggestion
	if !errors.As(err, &errWithSuggestion) {
		t.Fatal("WrapWithSuggestion should return *ErrorWithSuggestion")
	}
	if errWithSuggestion.GetSuggestion() != "suggestion" {
		t.Errorf("GetSuggestion() = %q", errWithSuggestion.GetSuggestion())
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		message    string
		suggestion string
	}{
		{"item not found", ErrItemNotFound("abc"), "abc", "wardrobe list"},
		{"outfit not found", ErrOutfitNotFound("o1"), "o1", "outfits list"},
		{"not signed in", ErrNotSignedIn(), "not signed in", "lova login"},
		{"remote not configured", ErrRemoteNotConfigured(), "remote store", "remote.url"},
		{"invalid category", ErrInvalidCategory("hat", []string{"top", "shoes"}), "hat", "top, shoes"},
		{"invalid rating", ErrInvalidRating(9), "9", "between 0 and 5"},
		{"invalid date", ErrInvalidDate("nope"), "nope", "YYYY-MM-DD"},
		{"auth failed", ErrAuthenticationFailed(), "authentication failed", "token"},
		{"daemon", ErrDaemonNotRunning(), "not running", "daemon start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errWithSuggestion *ErrorWithSuggestion
			if !errors.As(tt.err, &errWithSuggestion) {
				t.Fatal("should return *ErrorWithSuggestion")
			}
			if !strings.Contains(errWithSuggestion.Err.Error(), tt.message) {
				t.Errorf("message %q missing %q", errWithSuggestion.Err.Error(), tt.message)
			}
			if !strings.Contains(errWithSuggestion.GetSuggestion(), tt.suggestion) {
				t.Errorf("suggestion %q missing %q", errWithSuggestion.GetSuggestion(), tt.suggestion)
			}
		})
	}
}

func TestErrSyncPendingWraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrSyncPending(cause)
	if !errors.Is(err, cause) {
		t.Error("ErrSyncPending should wrap the cause")
	}
	if !strings.Contains(err.Error(), "changes remain queued") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestErrRemoteOfflineSuggestions(t *testing.T) {
	tests := []struct {
		reason string
		want   []string
	}{
		{"dial tcp: lookup api.example: no such host", []string{"dns"}},
		{"connect: connection refused", []string{"server", "running"}},
		{"i/o timeout", []string{"slow", "try again"}},
		{"unknown error xyz", []string{"internet", "connection"}},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			var errWithSuggestion *ErrorWithSuggestion
			if !errors.As(ErrRemoteOffline(tt.reason), &errWithSuggestion) {
				t.Fatal("should return *ErrorWithSuggestion")
			}
			s := strings.ToLower(errWithSuggestion.GetSuggestion())
			for _, w := range tt.want {
				if !strings.Contains(s, w) {
					t.Errorf("suggestion %q missing %q", s, w)
				}
			}
		})
	}
}
