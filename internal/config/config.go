// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"lova/backend"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOVA_"

// Storage drivers accepted in storage.driver.
var StorageDrivers = []string{"sqlite", "valkey", "memory"}

// Config represents the application configuration
type Config struct {
	Storage      StorageConfig  `yaml:"storage"`
	Remote       RemoteConfig   `yaml:"remote"`
	Sync         SyncConfig     `yaml:"sync"`
	Cache        CacheConfig    `yaml:"cache"`
	History      HistoryConfig  `yaml:"history"`
	Emulator     EmulatorConfig `yaml:"emulator"`
	Logging      LoggingConfig  `yaml:"logging"`
	OutputFormat string         `yaml:"output_format"`
}

// StorageConfig selects the local key-value store that holds the cache.
type StorageConfig struct {
	Driver string       `yaml:"driver"` // sqlite, valkey, memory
	Path   string       `yaml:"path"`   // sqlite database file
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig holds valkey connection settings
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RemoteConfig points at the remote document server.
type RemoteConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	Timeout    string `yaml:"timeout"` // e.g. "15s"
	MaxRetries int    `yaml:"max_retries"`
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	MaxAttempts   int          `yaml:"max_attempts"`   // 0 retries forever
	ChangeTimeout string       `yaml:"change_timeout"` // per remote call during a pass
	ProbeInterval string       `yaml:"probe_interval"` // connectivity probe period
	Periodic      *bool        `yaml:"periodic"`       // sync on every probe while online (default: true)
	Daemon        DaemonConfig `yaml:"daemon"`
}

// DaemonConfig holds background daemon settings
type DaemonConfig struct {
	IdleTimeout int  `yaml:"idle_timeout"` // seconds without activity before exit, 0 disables
	FileWatcher bool `yaml:"file_watcher"` // sync when the cache database changes
	DebounceMs  int  `yaml:"debounce_ms"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	TTL       string `yaml:"ttl"`       // entry lifetime, default 168h
	Freshness string `yaml:"freshness"` // serve reads from cache this long after a sync
}

// HistoryConfig controls the sync pass journal.
type HistoryConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// EmulatorConfig configures `lova emulator`.
type EmulatorConfig struct {
	Listen string `yaml:"listen"`
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
	Token  string `yaml:"token"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level             string `yaml:"level"`
	BackgroundEnabled *bool  `yaml:"background_enabled"` // daemon log file in the temp dir (default: true)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(GetDataDir(), "lova.db"),
		},
		OutputFormat: "text",
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the sample.
// A .env file next to the config and LOVA_* environment variables override
// file values.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	var cfg *Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Parse decodes YAML and applies defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.History.Path = ExpandPath(cfg.History.Path)
	return cfg, nil
}

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is ignored.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// save writes the sample configuration to path
func (c *Config) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The sample may hold a token later, keep it private.
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from LOVA_* environment variables.
func (c *Config) ApplyEnv() {
	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = ExpandPath(getEnv("STORAGE_PATH", c.Storage.Path))
	c.Storage.Valkey.Address = getEnv("VALKEY_ADDRESS", c.Storage.Valkey.Address)
	c.Storage.Valkey.Password = getEnv("VALKEY_PASSWORD", c.Storage.Valkey.Password)
	c.Storage.Valkey.DB = getEnvInt("VALKEY_DB", c.Storage.Valkey.DB)
	c.Remote.URL = getEnv("REMOTE_URL", c.Remote.URL)
	c.Remote.Token = getEnv("REMOTE_TOKEN", c.Remote.Token)
	c.Sync.MaxAttempts = getEnvInt("SYNC_MAX_ATTEMPTS", c.Sync.MaxAttempts)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Emulator.Token = getEnv("EMULATOR_TOKEN", c.Emulator.Token)
	if v, ok := getEnvBool("HISTORY_ENABLED"); ok {
		c.History.Enabled = &v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	driver := c.GetStorageDriver()
	valid := false
	for _, d := range StorageDrivers {
		if d == driver {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("unknown storage.driver: %q (must be one of %s)", driver, strings.Join(StorageDrivers, ", "))
	}
	if driver == "valkey" && c.Storage.Valkey.Address == "" {
		return fmt.Errorf("storage.valkey.address is required for the valkey driver")
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid remote.url: %q", c.Remote.URL)
		}
	}

	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative, got %d", c.Sync.MaxAttempts)
	}

	durations := map[string]string{
		"remote.timeout":      c.Remote.Timeout,
		"sync.change_timeout": c.Sync.ChangeTimeout,
		"sync.probe_interval": c.Sync.ProbeInterval,
		"cache.ttl":           c.Cache.TTL,
		"cache.freshness":     c.Cache.Freshness,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}
	if c.Sync.ProbeInterval != "" && c.GetProbeInterval() < time.Second {
		return fmt.Errorf("sync.probe_interval must be at least 1s, got %q", c.Sync.ProbeInterval)
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
		}
	}

	switch c.Emulator.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown emulator.driver: %q (must be 'sqlite' or 'postgres')", c.Emulator.Driver)
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(outputFormat, dbPath string) {
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
	if dbPath != "" {
		c.Storage.Driver = "sqlite"
		c.Storage.Path = ExpandPath(dbPath)
	}
}

// GetStorageDriver returns the storage driver, "sqlite" by default.
func (c *Config) GetStorageDriver() string {
	if c.Storage.Driver == "" {
		return "sqlite"
	}
	return c.Storage.Driver
}

// GetDatabasePath returns the path to the SQLite cache database
func (c *Config) GetDatabasePath() string {
	if c.Storage.Path == "" {
		return filepath.Join(GetDataDir(), "lova.db")
	}
	return c.Storage.Path
}

// GetStoreOptions returns the options used to open the storage driver.
func (c *Config) GetStoreOptions() backend.StoreOptions {
	prefix := c.Storage.Valkey.KeyPrefix
	if prefix == "" {
		prefix = "lova:"
	}
	return backend.StoreOptions{
		Path:      c.GetDatabasePath(),
		Address:   c.Storage.Valkey.Address,
		Password:  c.Storage.Valkey.Password,
		DB:        c.Storage.Valkey.DB,
		KeyPrefix: prefix,
	}
}

// IsRemoteConfigured returns true if a remote document server is set.
func (c *Config) IsRemoteConfigured() bool {
	return c.Remote.URL != ""
}

// GetRemoteTimeout returns the per-request timeout, 15s by default.
func (c *Config) GetRemoteTimeout() time.Duration {
	return parseDuration(c.Remote.Timeout, 15*time.Second)
}

// GetMaxAttempts returns how many failed passes a change survives before
// it is dead-lettered. 0 means unlimited.
func (c *Config) GetMaxAttempts() int {
	if c.Sync.MaxAttempts < 0 {
		return 0
	}
	return c.Sync.MaxAttempts
}

// GetChangeTimeout returns the per-change timeout, 30s by default.
func (c *Config) GetChangeTimeout() time.Duration {
	return parseDuration(c.Sync.ChangeTimeout, 30*time.Second)
}

// GetProbeInterval returns the connectivity probe interval, 30s by default.
func (c *Config) GetProbeInterval() time.Duration {
	return parseDuration(c.Sync.ProbeInterval, 30*time.Second)
}

// IsPeriodicSyncEnabled returns true if the daemon syncs on every probe
// while online. Defaults to true.
func (c *Config) IsPeriodicSyncEnabled() bool {
	if c.Sync.Periodic == nil {
		return true
	}
	return *c.Sync.Periodic
}

// GetDaemonIdleTimeout returns the daemon idle timeout. Zero disables it.
func (c *Config) GetDaemonIdleTimeout() time.Duration {
	if c.Sync.Daemon.IdleTimeout <= 0 {
		return 0
	}
	return time.Duration(c.Sync.Daemon.IdleTimeout) * time.Second
}

// IsFileWatcherEnabled returns true if the daemon watches the cache database.
func (c *Config) IsFileWatcherEnabled() bool {
	return c.Sync.Daemon.FileWatcher
}

// GetDaemonDebounce returns the watcher debounce, 1s by default.
func (c *Config) GetDaemonDebounce() time.Duration {
	if c.Sync.Daemon.DebounceMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Sync.Daemon.DebounceMs) * time.Millisecond
}

// GetCacheTTL returns the cache entry lifetime, 7 days by default.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 7*24*time.Hour)
}

// GetCacheFreshness returns how long after a sync reads are served from the
// cache without contacting the remote. Zero, the default, always goes remote.
func (c *Config) GetCacheFreshness() time.Duration {
	return parseDuration(c.Cache.Freshness, 0)
}

// IsHistoryEnabled returns true if sync passes are journaled. Defaults to true.
func (c *Config) IsHistoryEnabled() bool {
	if c.History.Enabled == nil {
		return true
	}
	return *c.History.Enabled
}

// GetHistoryPath returns the journal database path.
func (c *Config) GetHistoryPath() string {
	if c.History.Path == "" {
		return filepath.Join(GetDataDir(), "history.db")
	}
	return c.History.Path
}

// GetHistoryRetentionDays returns the journal retention period, 90 days by default.
func (c *Config) GetHistoryRetentionDays() int {
	if c.History.RetentionDays <= 0 {
		return 90
	}
	return c.History.RetentionDays
}

// GetEmulatorListen returns the emulator listen address.
func (c *Config) GetEmulatorListen() string {
	if c.Emulator.Listen == "" {
		return "127.0.0.1:8787"
	}
	return c.Emulator.Listen
}

// GetEmulatorDriver returns the emulator database driver, "sqlite" by default.
func (c *Config) GetEmulatorDriver() string {
	if c.Emulator.Driver == "" {
		return "sqlite"
	}
	return c.Emulator.Driver
}

// GetEmulatorDSN returns the emulator database DSN.
func (c *Config) GetEmulatorDSN() string {
	if c.Emulator.DSN == "" && c.GetEmulatorDriver() == "sqlite" {
		return filepath.Join(GetDataDir(), "emulator.db")
	}
	return c.Emulator.DSN
}

// GetLogLevel returns the configured log level, "info" by default.
func (c *Config) GetLogLevel() string {
	if c.Logging.Level == "" {
		return "info"
	}
	return c.Logging.Level
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string) (bool, bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}

// getXDGDir returns a directory path following XDG spec.
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "lova")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "lova")
	}
	return filepath.Join(home, fallbackPath, "lova")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
