package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// CLIHandler handles the login, logout and whoami commands
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
}

// NewCLIHandler creates a new CLI handler for session commands
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout io.Writer) *CLIHandler {
	return &CLIHandler{
		manager: manager,
		stdin:   stdin,
		stdout:  stdout,
	}
}

// Login stores a session for userID. When prompt is set the remote token is
// read from stdin.
func (h *CLIHandler) Login(ctx context.Context, userID, remote string, prompt bool) error {
	s := Session{UserID: userID, Remote: remote}
	if prompt {
		token, err := PromptSecret(h.stdin, h.stdout, "Remote token")
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		s.Token = token
	}

	if err := h.manager.Login(ctx, s); err != nil {
		if errors.Is(err, ErrKeyringNotAvailable) {
			return keyringNotAvailableError()
		}
		return fmt.Errorf("failed to store session: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "Signed in as %s\n", s.UserID)
	return nil
}

func keyringNotAvailableError() error {
	return fmt.Errorf(`system keyring not available

Alternative: use environment variables instead:
  export %s="your-user-id"
  export %s="your-remote-token"

Run 'lova whoami' to verify the session is detected`, EnvUserID, EnvToken)
}

// Logout removes the stored session
func (h *CLIHandler) Logout(ctx context.Context) error {
	if err := h.manager.Logout(ctx); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	_, _ = fmt.Fprintln(h.stdout, "Signed out")
	return nil
}

// WhoAmI prints the active session
func (h *CLIHandler) WhoAmI(ctx context.Context, jsonOutput bool) error {
	info, err := h.manager.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	if jsonOutput {
		raw, err := info.JSON()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(raw))
		return nil
	}

	if !info.Found {
		_, _ = fmt.Fprintln(h.stdout, "Not signed in")
		_, _ = fmt.Fprintf(h.stdout, "Searched:\n  - System keyring: Not found\n  - Environment (%s): Not set\n", EnvUserID)
		_, _ = fmt.Fprintln(h.stdout, "\nSuggestion: Run 'lova login <user-id>'")
		return nil
	}

	_, _ = fmt.Fprintf(h.stdout, "User: %s\n", info.UserID)
	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", info.Source)
	if info.Remote != "" {
		_, _ = fmt.Fprintf(h.stdout, "Remote: %s\n", info.Remote)
	}
	if info.Token != "" {
		_, _ = fmt.Fprintln(h.stdout, "Token: ******** (hidden)")
	}
	return nil
}
