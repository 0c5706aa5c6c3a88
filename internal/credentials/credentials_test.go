package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"lova/internal/repository"
)

func envMap(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoginStoresSession(t *testing.T) {
	kr := NewMockKeyring()
	m := NewManager(WithKeyring(kr), WithEnv(envMap(nil)))
	ctx := context.Background()

	if err := m.Login(ctx, Session{UserID: "  user-1 ", Token: "tok", Remote: "http://x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	raw, err := kr.Get(ServiceName, SessionAccount)
	if err != nil {
		t.Fatalf("session not in keyring: %v", err)
	}
	var stored Session
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.UserID != "user-1" || stored.Token != "tok" || stored.Remote != "http://x" {
		t.Errorf("stored = %+v", stored)
	}

	info, err := m.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Found || info.Source != SourceKeyring || info.UserID != "user-1" {
		t.Errorf("Current = %+v", info)
	}
	if m.Token(ctx) != "tok" {
		t.Errorf("Token = %q", m.Token(ctx))
	}
}

func TestLoginRejectsEmptyUser(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))
	if err := m.Login(context.Background(), Session{UserID: "   "}); err == nil {
		t.Error("expected validation error for blank user id")
	}
}

func TestCurrentUserID(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(nil)))
		if _, err := m.CurrentUserID(ctx); !errors.Is(err, repository.ErrNoPrincipal) {
			t.Errorf("err = %v, want ErrNoPrincipal", err)
		}
	})

	t.Run("environment", func(t *testing.T) {
		m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(map[string]string{
			EnvUserID: "env-user",
			EnvToken:  "env-token",
		})))
		uid, err := m.CurrentUserID(ctx)
		if err != nil || uid != "env-user" {
			t.Fatalf("CurrentUserID = %q, %v", uid, err)
		}
		info, _ := m.Current(ctx)
		if info.Source != SourceEnvironment || info.Token != "env-token" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("keyring wins over environment", func(t *testing.T) {
		kr := NewMockKeyring()
		m := NewManager(WithKeyring(kr), WithEnv(envMap(map[string]string{EnvUserID: "env-user"})))
		_ = m.Login(ctx, Session{UserID: "kr-user"})
		if uid, _ := m.CurrentUserID(ctx); uid != "kr-user" {
			t.Errorf("uid = %q, want kr-user", uid)
		}
	})

	t.Run("keyring unavailable falls back", func(t *testing.T) {
		kr := NewMockKeyring()
		kr.FailWith = ErrKeyringNotAvailable
		m := NewManager(WithKeyring(kr), WithEnv(envMap(map[string]string{EnvUserID: "env-user"})))
		if uid, err := m.CurrentUserID(ctx); err != nil || uid != "env-user" {
			t.Errorf("CurrentUserID = %q, %v", uid, err)
		}
	})

	t.Run("corrupt session", func(t *testing.T) {
		kr := NewMockKeyring()
		_ = kr.Set(ServiceName, SessionAccount, "{not json")
		m := NewManager(WithKeyring(kr), WithEnv(envMap(nil)))
		if _, err := m.CurrentUserID(ctx); err == nil || !strings.Contains(err.Error(), "corrupt") {
			t.Errorf("err = %v, want corrupt session error", err)
		}
	})
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(nil)))
	_ = m.Login(ctx, Session{UserID: "u"})

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if _, err := m.CurrentUserID(ctx); !errors.Is(err, repository.ErrNoPrincipal) {
		t.Errorf("session survived logout: %v", err)
	}
}

func TestSessionInfoJSONHidesToken(t *testing.T) {
	info := &SessionInfo{Session: Session{UserID: "u", Token: "secret"}, Source: SourceKeyring, Found: true}
	raw, err := info.JSON()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Errorf("token leaked: %s", raw)
	}
	if !strings.Contains(string(raw), `"hasToken":true`) {
		t.Errorf("hasToken missing: %s", raw)
	}
}

func TestPromptSecretFromReader(t *testing.T) {
	var out strings.Builder
	got, err := PromptSecret(strings.NewReader("  abc123 \n"), &out, "Token")
	if err != nil || got != "abc123" {
		t.Fatalf("PromptSecret = %q, %v", got, err)
	}
	if out.String() != "Token: " {
		t.Errorf("prompt = %q", out.String())
	}

	if _, err := PromptSecret(strings.NewReader(""), &out, "Token"); err == nil {
		t.Error("expected error on empty input")
	}
}
