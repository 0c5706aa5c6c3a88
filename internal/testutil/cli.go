// Package testutil provides shared test utilities for CLI testing across packages.
// Every CLITest runs against its own config, cache database, keyring and
// daemon socket, so tests never touch the user's real state.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"lova/cmd/lova/cmd"
	"lova/internal/credentials"
	"lova/internal/emulator"
)

// TestUserID is the user every signed-in CLITest acts as.
const TestUserID = "test-user"

// CLITest provides a test helper for running CLI commands in isolation.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	keyring    *credentials.MockKeyring
	tmpDir     string
	configPath string
	dbPath     string
	remoteURL  string
	emulator   *emulator.Store
}

// NewCLITest creates a signed-in CLI test helper with no remote configured.
// Writes queue locally.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	// Unix socket paths are length-limited, so they get a short dir of their own.
	runDir, err := os.MkdirTemp("", "lova")
	if err != nil {
		t.Fatalf("failed to create runtime dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(runDir) })

	c := &CLITest{
		t:          t,
		keyring:    credentials.NewMockKeyring(),
		tmpDir:     tmpDir,
		configPath: filepath.Join(tmpDir, "config.yaml"),
		dbPath:     filepath.Join(tmpDir, "lova.db"),
	}
	c.cfg = &cmd.Config{
		NoPrompt:   true,
		ConfigPath: c.configPath,
		Stdin:      strings.NewReader(""),
		Keyring:    c.keyring,
		Getenv:     func(string) string { return "" },
		SocketPath: filepath.Join(runDir, "d.sock"),
		PIDPath:    filepath.Join(runDir, "d.pid"),
	}
	c.writeConfig("")
	c.Login(TestUserID)
	return c
}

// NewCLITestWithRemote creates a signed-in CLI test helper whose remote is a
// fresh in-memory emulator.
func NewCLITestWithRemote(t *testing.T) *CLITest {
	t.Helper()

	c := NewCLITest(t)
	store, err := emulator.Open(emulator.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("emulator.Open: %v", err)
	}
	server := httptest.NewServer(adaptor.FiberApp(emulator.NewServer(store).App()))
	t.Cleanup(func() {
		server.Close()
		_ = store.Close()
	})
	c.emulator = store
	c.SetRemote(server.URL)
	return c
}

func (c *CLITest) writeConfig(extra string) {
	c.t.Helper()
	content := fmt.Sprintf(`storage:
  driver: sqlite
  path: %s
history:
  path: %s
logging:
  level: error
  background_enabled: false
`, c.dbPath, filepath.Join(c.tmpDir, "history.db"))
	if c.remoteURL != "" {
		content += fmt.Sprintf("remote:\n  url: %s\n  timeout: 2s\n  max_retries: 0\n", c.remoteURL)
	}
	content += extra
	if err := os.WriteFile(c.configPath, []byte(content), 0600); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// SetRemote points the config at url. An empty url removes the remote.
func (c *CLITest) SetRemote(url string) {
	c.t.Helper()
	c.remoteURL = url
	c.writeConfig("")
}

// AppendConfig rewrites the config with extra YAML appended.
func (c *CLITest) AppendConfig(yamlContent string) {
	c.t.Helper()
	c.writeConfig(yamlContent)
}

// Login stores a session for userID in the test keyring.
func (c *CLITest) Login(userID string) {
	c.t.Helper()
	m := credentials.NewManager(credentials.WithKeyring(c.keyring), credentials.WithEnv(c.cfg.Getenv))
	if err := m.Login(context.Background(), credentials.Session{UserID: userID}); err != nil {
		c.t.Fatalf("login: %v", err)
	}
}

// Logout clears the test keyring.
func (c *CLITest) Logout() {
	c.t.Helper()
	m := credentials.NewManager(credentials.WithKeyring(c.keyring), credentials.WithEnv(c.cfg.Getenv))
	if err := m.Logout(context.Background()); err != nil {
		c.t.Fatalf("logout: %v", err)
	}
}

// Config returns the CLI config.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the test's temp directory.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// DBPath returns the path to the cache database.
func (c *CLITest) DBPath() string {
	return c.dbPath
}

// RemoteURL returns the emulator URL, or "" without a remote.
func (c *CLITest) RemoteURL() string {
	return c.remoteURL
}

// Emulator returns the emulator store behind the remote, or nil.
func (c *CLITest) Emulator() *emulator.Store {
	return c.emulator
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	var stdoutBuf, stderrBuf bytes.Buffer
	// Commands mutate the config from flags; start each run from a copy.
	cfg := *c.cfg
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, &cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultActionQueued    = cmd.ResultActionQueued
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)
