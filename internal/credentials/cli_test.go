package credentials

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestCLILoginPrompt(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(nil)))
	stdout := &bytes.Buffer{}
	h := NewCLIHandler(m, strings.NewReader("tok-123\n"), stdout)

	if err := h.Login(context.Background(), "alice", "http://127.0.0.1:8787", true); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !strings.Contains(stdout.String(), "Signed in as alice") {
		t.Errorf("output = %q", stdout.String())
	}
	if m.Token(context.Background()) != "tok-123" {
		t.Errorf("token not stored")
	}
}

func TestCLILoginKeyringUnavailable(t *testing.T) {
	kr := NewMockKeyring()
	kr.FailWith = ErrKeyringNotAvailable
	h := NewCLIHandler(NewManager(WithKeyring(kr)), nil, &bytes.Buffer{})

	err := h.Login(context.Background(), "alice", "", false)
	if err == nil || !strings.Contains(err.Error(), EnvUserID) {
		t.Errorf("err = %v, want guidance mentioning %s", err, EnvUserID)
	}
}

func TestCLIWhoAmI(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(nil)))

	stdout := &bytes.Buffer{}
	h := NewCLIHandler(m, nil, stdout)
	if err := h.WhoAmI(ctx, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "Not signed in") {
		t.Errorf("output = %q", stdout.String())
	}

	_ = m.Login(ctx, Session{UserID: "bob", Token: "secret"})
	stdout.Reset()
	if err := h.WhoAmI(ctx, false); err != nil {
		t.Fatal(err)
	}
	out := stdout.String()
	if !strings.Contains(out, "User: bob") || strings.Contains(out, "secret") {
		t.Errorf("output = %q", out)
	}

	stdout.Reset()
	if err := h.WhoAmI(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), `"userId":"bob"`) {
		t.Errorf("json = %q", stdout.String())
	}
}

func TestCLILogout(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithKeyring(NewMockKeyring()), WithEnv(envMap(nil)))
	_ = m.Login(ctx, Session{UserID: "bob"})
	stdout := &bytes.Buffer{}

	if err := NewCLIHandler(m, nil, stdout).Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "Signed out") {
		t.Errorf("output = %q", stdout.String())
	}
}
