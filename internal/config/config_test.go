package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the XDG directories at a temp dir and clears LOVA_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "data"))
	t.Setenv("HOME", tmpDir)
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, EnvPrefix) {
			t.Setenv(key, "")
		}
	}
	return tmpDir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestConfigAutoCreate verifies first run creates the config file at the XDG path
func TestConfigAutoCreate(t *testing.T) {
	tmpDir := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, "config", "lova", "config.yaml")
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file not created at %s: %v", configPath, err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	if cfg.GetStorageDriver() != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.GetStorageDriver())
	}
	wantDB := filepath.Join(tmpDir, "data", "lova", "lova.db")
	if cfg.GetDatabasePath() != wantDB {
		t.Errorf("db path = %q, want %q", cfg.GetDatabasePath(), wantDB)
	}
	if cfg.IsRemoteConfigured() {
		t.Error("remote configured by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	isolate(t)
	cfg := &Config{}

	if cfg.GetMaxAttempts() != 0 {
		t.Errorf("max attempts = %d, want 0 (unlimited)", cfg.GetMaxAttempts())
	}
	if cfg.GetChangeTimeout() != 30*time.Second {
		t.Errorf("change timeout = %v", cfg.GetChangeTimeout())
	}
	if cfg.GetProbeInterval() != 30*time.Second {
		t.Errorf("probe interval = %v", cfg.GetProbeInterval())
	}
	if !cfg.IsPeriodicSyncEnabled() {
		t.Error("periodic sync should default on")
	}
	if cfg.GetCacheTTL() != 7*24*time.Hour {
		t.Errorf("cache ttl = %v", cfg.GetCacheTTL())
	}
	if cfg.GetCacheFreshness() != 0 {
		t.Errorf("freshness = %v, want 0", cfg.GetCacheFreshness())
	}
	if !cfg.IsHistoryEnabled() || cfg.GetHistoryRetentionDays() != 90 {
		t.Errorf("history defaults: enabled=%v retention=%d", cfg.IsHistoryEnabled(), cfg.GetHistoryRetentionDays())
	}
	if cfg.GetDaemonIdleTimeout() != 0 || cfg.GetDaemonDebounce() != time.Second {
		t.Errorf("daemon defaults: idle=%v debounce=%v", cfg.GetDaemonIdleTimeout(), cfg.GetDaemonDebounce())
	}
	if cfg.GetEmulatorListen() != "127.0.0.1:8787" || cfg.GetEmulatorDriver() != "sqlite" {
		t.Errorf("emulator defaults: %q %q", cfg.GetEmulatorListen(), cfg.GetEmulatorDriver())
	}
	if cfg.GetLogLevel() != "info" || !cfg.IsBackgroundLoggingEnabled() {
		t.Errorf("logging defaults: %q %v", cfg.GetLogLevel(), cfg.IsBackgroundLoggingEnabled())
	}
	if cfg.GetStoreOptions().KeyPrefix != "lova:" {
		t.Errorf("key prefix = %q", cfg.GetStoreOptions().KeyPrefix)
	}
}

func TestConfigCustomPath(t *testing.T) {
	tmpDir := isolate(t)
	path := writeConfig(t, tmpDir, `
storage:
  driver: valkey
  valkey:
    address: 10.0.0.5:6379
    db: 2
remote:
  url: https://docs.example.com
  token: abc
  timeout: 5s
sync:
  max_attempts: 4
  change_timeout: 10s
  periodic: false
  daemon:
    idle_timeout: 60
    file_watcher: true
cache:
  freshness: 2m
history:
  enabled: false
output_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	opts := cfg.GetStoreOptions()
	if cfg.GetStorageDriver() != "valkey" || opts.Address != "10.0.0.5:6379" || opts.DB != 2 {
		t.Errorf("storage = %q %+v", cfg.GetStorageDriver(), opts)
	}
	if cfg.Remote.URL != "https://docs.example.com" || cfg.Remote.Token != "abc" || cfg.GetRemoteTimeout() != 5*time.Second {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.GetMaxAttempts() != 4 || cfg.GetChangeTimeout() != 10*time.Second || cfg.IsPeriodicSyncEnabled() {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.GetDaemonIdleTimeout() != time.Minute || !cfg.IsFileWatcherEnabled() {
		t.Errorf("daemon = %+v", cfg.Sync.Daemon)
	}
	if cfg.GetCacheFreshness() != 2*time.Minute || cfg.IsHistoryEnabled() {
		t.Errorf("cache/history = %+v %+v", cfg.Cache, cfg.History)
	}
	if cfg.OutputFormat != "json" {
		t.Errorf("output = %q", cfg.OutputFormat)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	tmpDir := isolate(t)
	path := writeConfig(t, tmpDir, "remote:\n  url: http://file.example\n")

	t.Setenv("LOVA_REMOTE_URL", "http://env.example:8787")
	t.Setenv("LOVA_SYNC_MAX_ATTEMPTS", "7")
	t.Setenv("LOVA_HISTORY_ENABLED", "off")
	t.Setenv("LOVA_STORAGE_PATH", "~/cache.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.URL != "http://env.example:8787" {
		t.Errorf("url = %q, env should win", cfg.Remote.URL)
	}
	if cfg.GetMaxAttempts() != 7 {
		t.Errorf("max attempts = %d", cfg.GetMaxAttempts())
	}
	if cfg.IsHistoryEnabled() {
		t.Error("history should be disabled by env")
	}
	if cfg.GetDatabasePath() != filepath.Join(tmpDir, "cache.db") {
		t.Errorf("db path = %q", cfg.GetDatabasePath())
	}
}

func TestConfigDotEnv(t *testing.T) {
	tmpDir := isolate(t)
	path := writeConfig(t, tmpDir, "")
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("LOVA_REMOTE_TOKEN=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// Restored by t.Setenv's cleanup; unset so the .env value can apply.
	t.Setenv("LOVA_REMOTE_TOKEN", "")
	_ = os.Unsetenv("LOVA_REMOTE_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Token != "from-dotenv" {
		t.Errorf("token = %q, want value from .env", cfg.Remote.Token)
	}
}

func TestConfigInvalidYAML(t *testing.T) {
	tmpDir := isolate(t)
	path := writeConfig(t, tmpDir, "storage: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid YAML") {
		t.Errorf("Load() error = %v, want invalid YAML", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad output", func(c *Config) { c.OutputFormat = "xml" }, "output_format"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"valkey without address", func(c *Config) { c.Storage.Driver = "valkey" }, "valkey.address"},
		{"bad url", func(c *Config) { c.Remote.URL = "ftp://x" }, "remote.url"},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, "max_attempts"},
		{"bad duration", func(c *Config) { c.Cache.Freshness = "soon" }, "cache.freshness"},
		{"probe too fast", func(c *Config) { c.Sync.ProbeInterval = "10ms" }, "probe_interval"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad emulator driver", func(c *Config) { c.Emulator.Driver = "mysql" }, "emulator.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.ApplyFlags("json", "/tmp/other.db")
	if cfg.OutputFormat != "json" || cfg.GetStorageDriver() != "sqlite" || cfg.GetDatabasePath() != "/tmp/other.db" {
		t.Errorf("flags not applied: %+v", cfg.Storage)
	}

	cfg.ApplyFlags("", "")
	if cfg.OutputFormat != "json" {
		t.Error("empty flags should not reset values")
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("LOVA_TEST_DIR", "/srv")
	tests := map[string]string{
		"":                    "",
		"~/x.db":              "/home/tester/x.db",
		"$LOVA_TEST_DIR/x.db": "/srv/x.db",
		"/abs/path.db":        "/abs/path.db",
	}
	for in, want := range tests {
		if got := ExpandPath(in); got != want {
			t.Errorf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
