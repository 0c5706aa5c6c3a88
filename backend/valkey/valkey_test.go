package valkey

import (
	"context"
	"os"
	"testing"

	"lova/backend"
)

// newTestStore connects to the Valkey server named by LOVA_TEST_VALKEY_ADDR.
// Tests are skipped when no server is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("LOVA_TEST_VALKEY_ADDR")
	if addr == "" {
		t.Skip("LOVA_TEST_VALKEY_ADDR not set, skipping valkey integration tests")
	}

	s, err := New(Config{Address: addr, KeyPrefix: "lova-test-" + backend.ShortRandom(8)})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Clear(context.Background())
		_ = s.Close()
	})
	return s
}

func TestStoreImplementsInterface(t *testing.T) {
	var _ backend.KeyValueStore = (*Store)(nil)
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty address should fail")
	}
}

func TestKeyPrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "lova:"},
		{"app", "app:"},
		{"app:", "app:"},
	}

	for _, tt := range tests {
		s := NewWithClient(nil, tt.prefix)
		if s.prefix != tt.want {
			t.Errorf("NewWithClient(%q).prefix = %q, want %q", tt.prefix, s.prefix, tt.want)
		}
		if got := s.fullKey("k"); got != tt.want+"k" {
			t.Errorf("fullKey = %q, want %q", got, tt.want+"k")
		}
	}
}

func TestValkeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	value, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", value, ok, err)
	}

	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key should be absent after Remove")
	}
}

func TestValkeyClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", "1")
	_ = s.Set(ctx, "b", "2")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys after Clear = %v, want empty", keys)
	}
}
