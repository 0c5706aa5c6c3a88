package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrItemNotFound returns an error for when a wardrobe item is not found.
func ErrItemNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("wardrobe item not found: %s", id),
		Suggestion: "Use 'lova wardrobe list' to see item IDs",
	}
}

// ErrOutfitNotFound returns an error for when an outfit history entry is not found.
func ErrOutfitNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("outfit entry not found: %s", id),
		Suggestion: "Use 'lova outfits list' to see logged outfits",
	}
}

// ErrNotSignedIn returns an error when no principal is available.
func ErrNotSignedIn() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("not signed in"),
		Suggestion: "Run 'lova login' or set LOVA_USER_ID",
	}
}

// ErrRemoteNotConfigured returns an error when no remote document store is configured.
func ErrRemoteNotConfigured() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("remote store is not configured"),
		Suggestion: "Set remote.url in your config file or LOVA_REMOTE_URL",
	}
}

// ErrSyncPending returns an error for a sync pass that could not finish.
func ErrSyncPending(err error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("sync incomplete, changes remain queued: %w", err),
		Suggestion: "Run 'lova sync' again or check 'lova sync status'",
	}
}

// ErrRemoteOffline returns an error when the remote store is unreachable with smart suggestions.
func ErrRemoteOffline(reason string) error {
	suggestion := getSmartSuggestion(reason)
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("remote store is offline: %s", reason),
		Suggestion: suggestion,
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible (try 'lova emulator' for local development)"
	}

	if strings.Contains(lowerReason, "timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidCategory returns an error for an unknown wardrobe category with valid options.
func ErrInvalidCategory(category string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid category: %s", category),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrInvalidRating returns an error for an out-of-range outfit rating.
func ErrInvalidRating(rating int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid rating: %d", rating),
		Suggestion: "Rating must be between 0 and 5",
	}
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use date format YYYY-MM-DD (e.g., 2026-01-15) or today/yesterday/-3d",
	}
}

// ErrAuthenticationFailed returns an error when the remote store rejects the token.
func ErrAuthenticationFailed() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("authentication failed for remote store"),
		Suggestion: "Verify your token is correct and has not expired, then run 'lova login' again",
	}
}

// ErrDaemonNotRunning returns an error when the sync daemon cannot be reached.
func ErrDaemonNotRunning() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("sync daemon is not running"),
		Suggestion: "Start it with 'lova daemon start'",
	}
}
