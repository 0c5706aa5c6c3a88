// Package credentials stores the signed-in session in the OS keyring, with
// fallback to environment variables. The Manager is the principal that
// scopes repository reads and writes to the current user.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/term"

	"lova/internal/repository"
)

// Keyring location of the session.
const (
	ServiceName    = "lova"
	SessionAccount = "session"
)

// Environment fallbacks.
const (
	EnvUserID = "LOVA_USER_ID"
	EnvToken  = "LOVA_REMOTE_TOKEN"
)

// Source indicates where the session was read from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// Session is the signed-in user.
type Session struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// Validate checks the session fields.
func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.UserID, validation.Required, validation.Length(1, 128)),
	)
}

// SessionInfo is a session plus where it came from.
type SessionInfo struct {
	Session
	Source Source `json:"source"`
	Found  bool   `json:"found"`
}

// JSON serializes the session info without the token.
func (i *SessionInfo) JSON() ([]byte, error) {
	return json.Marshal(struct {
		UserID   string `json:"userId"`
		Remote   string `json:"remote,omitempty"`
		Source   Source `json:"source"`
		Found    bool   `json:"found"`
		HasToken bool   `json:"hasToken"`
	}{
		UserID:   i.UserID,
		Remote:   i.Remote,
		Source:   i.Source,
		Found:    i.Found,
		HasToken: i.Token != "",
	})
}

// Manager reads and writes the session.
type Manager struct {
	keyring Keyring
	getenv  func(string) string
}

var _ repository.Principal = (*Manager)(nil)

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// WithEnv replaces the environment lookup.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.getenv = getenv
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: systemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login stores the session in the keyring.
func (m *Manager) Login(ctx context.Context, s Session) error {
	s.UserID = strings.TrimSpace(s.UserID)
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.keyring.Set(ServiceName, SessionAccount, string(raw))
}

// Logout removes the stored session. Logging out twice is not an error.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.keyring.Delete(ServiceName, SessionAccount)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Current returns the active session: the keyring first, then the
// environment. A missing session is reported with Found false, not an error.
func (m *Manager) Current(ctx context.Context) (*SessionInfo, error) {
	raw, err := m.keyring.Get(ServiceName, SessionAccount)
	switch {
	case err == nil:
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("stored session is corrupt: %w", err)
		}
		if s.UserID != "" {
			return &SessionInfo{Session: s, Source: SourceKeyring, Found: true}, nil
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrKeyringNotAvailable):
	default:
		return nil, err
	}

	if uid := strings.TrimSpace(m.getenv(EnvUserID)); uid != "" {
		return &SessionInfo{
			Session: Session{UserID: uid, Token: m.getenv(EnvToken)},
			Source:  SourceEnvironment,
			Found:   true,
		}, nil
	}
	return &SessionInfo{Source: SourceNone}, nil
}

// CurrentUserID returns the signed-in user's ID, or repository.ErrNoPrincipal.
func (m *Manager) CurrentUserID(ctx context.Context) (string, error) {
	info, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	if !info.Found {
		return "", repository.ErrNoPrincipal
	}
	return info.UserID, nil
}

// Token returns the remote token of the current session, if any.
func (m *Manager) Token(ctx context.Context) string {
	info, err := m.Current(ctx)
	if err != nil || !info.Found {
		return ""
	}
	return info.Token
}

// PromptSecret asks for a secret. When reader is a terminal the input is
// hidden; otherwise one line is read.
func PromptSecret(reader io.Reader, writer io.Writer, label string) (string, error) {
	_, _ = fmt.Fprintf(writer, "%s: ", label)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
