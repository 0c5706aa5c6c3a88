package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lova/internal/connectivity"
	"lova/internal/utils"
)

type countingSyncer struct {
	calls atomic.Int32
}

func (s *countingSyncer) SyncAll(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 1, nil
}

type switchProber struct {
	mu  sync.Mutex
	err error
}

func (p *switchProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *switchProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// shortDir returns a temp dir short enough for a Unix socket path.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lovad")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type harness struct {
	cfg    *Config
	d      *Daemon
	syncer *countingSyncer
	prober *switchProber
	client *Client
	done   chan error
	cancel context.CancelFunc
}

func startDaemon(t *testing.T, mutate func(*Config), proberErr error) *harness {
	t.Helper()
	dir := shortDir(t)
	cfg := &Config{
		PIDPath:    filepath.Join(dir, "daemon.pid"),
		SocketPath: filepath.Join(dir, "daemon.sock"),
		Debounce:   30 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		cfg:    cfg,
		syncer: &countingSyncer{},
		prober: &switchProber{err: proberErr},
		client: NewClient(cfg.SocketPath),
		done:   make(chan error, 1),
	}
	monitor := connectivity.New(h.syncer, h.prober,
		connectivity.WithProbeInterval(time.Hour),
		connectivity.WithLogger(utils.DiscardLogger()),
	)
	h.d = New(cfg, monitor, WithLogger(utils.DiscardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	if !waitFor(func() bool { return IsRunning(cfg.PIDPath, cfg.SocketPath) }) {
		t.Fatal("daemon did not start")
	}
	return h
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func (h *harness) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not exit")
		return nil
	}
}

func TestDaemonStatusAndNotify(t *testing.T) {
	h := startDaemon(t, nil, nil)

	// The first probe finds the remote reachable and syncs once.
	if !waitFor(func() bool { return h.syncer.calls.Load() >= 1 }) {
		t.Fatal("no sync on startup reconnect")
	}

	resp, err := h.client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !resp.Running || !resp.Online || resp.PID != os.Getpid() || resp.StartedAt == "" {
		t.Errorf("status = %+v", resp)
	}

	before := h.syncer.calls.Load()
	if err := h.client.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !waitFor(func() bool { return h.syncer.calls.Load() > before }) {
		t.Error("notify did not trigger a sync pass")
	}

	resp, _ = h.client.Status()
	if resp.Notifications < 1 || resp.Passes < 2 || resp.LastSync == "" {
		t.Errorf("status after notify = %+v", resp)
	}
}

func TestDaemonNotifyWhileOffline(t *testing.T) {
	h := startDaemon(t, nil, errors.New("connection refused"))

	if err := h.client.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.syncer.calls.Load(); n != 0 {
		t.Errorf("synced %d times while offline", n)
	}

	// Coming back online: the next notify probes, reconnects and syncs.
	h.prober.set(nil)
	_ = h.client.Notify()
	if !waitFor(func() bool { return h.syncer.calls.Load() == 1 }) {
		t.Errorf("sync calls = %d after reconnect, want 1", h.syncer.calls.Load())
	}
	resp, _ := h.client.Status()
	if !resp.Online {
		t.Error("status should report online")
	}
}

func TestDaemonStopRemovesFiles(t *testing.T) {
	h := startDaemon(t, nil, nil)

	if err := h.client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.waitExit(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
	for _, p := range []string{h.cfg.PIDPath, h.cfg.SocketPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s not removed", p)
		}
	}
	if IsRunning(h.cfg.PIDPath, h.cfg.SocketPath) {
		t.Error("IsRunning after stop")
	}
}

func TestDaemonIdleTimeout(t *testing.T) {
	h := startDaemon(t, func(c *Config) { c.IdleTimeout = 150 * time.Millisecond }, nil)
	if err := h.waitExit(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestDaemonContextCancel(t *testing.T) {
	h := startDaemon(t, nil, nil)
	h.cancel()
	if err := h.waitExit(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestDaemonWatchesDatabase(t *testing.T) {
	dbDir := t.TempDir()
	db := filepath.Join(dbDir, "lova.db")
	if err := os.WriteFile(db, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	h := startDaemon(t, func(c *Config) { c.WatchPaths = []string{db} }, nil)
	if !waitFor(func() bool { return h.syncer.calls.Load() >= 1 }) {
		t.Fatal("no startup sync")
	}
	// Writes right after a pass are attributed to the pass itself.
	time.Sleep(300 * time.Millisecond)

	before := h.syncer.calls.Load()
	if err := os.WriteFile(db, []byte("queued change"), 0600); err != nil {
		t.Fatal(err)
	}
	if !waitFor(func() bool { return h.syncer.calls.Load() > before }) {
		t.Error("database write did not trigger a sync")
	}
}

// queueRewriter fails every change and rewrites the database file like a
// pass persisting its failed queue does.
type queueRewriter struct {
	path  string
	calls atomic.Int32
}

func (s *queueRewriter) SyncAll(ctx context.Context) (int, error) {
	n := s.calls.Add(1)
	_ = os.WriteFile(s.path, []byte(fmt.Sprintf("attempts=%d", n)), 0600)
	return 0, errors.New("remote rejected change")
}

func TestDaemonIgnoresOwnDatabaseWrites(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lova.db")
	if err := os.WriteFile(db, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	dir := shortDir(t)
	cfg := &Config{
		PIDPath:    filepath.Join(dir, "daemon.pid"),
		SocketPath: filepath.Join(dir, "daemon.sock"),
		WatchPaths: []string{db},
		Debounce:   30 * time.Millisecond,
	}
	syncer := &queueRewriter{path: db}
	monitor := connectivity.New(syncer, &switchProber{},
		connectivity.WithProbeInterval(time.Hour),
		connectivity.WithLogger(utils.DiscardLogger()),
	)
	d := New(cfg, monitor, WithLogger(utils.DiscardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if !waitFor(func() bool { return syncer.calls.Load() >= 1 }) {
		t.Fatal("no startup sync")
	}
	time.Sleep(600 * time.Millisecond)
	if n := syncer.calls.Load(); n != 1 {
		t.Errorf("passes = %d, want 1: the pass's own write re-triggered syncing", n)
	}

	// A later write by another process still triggers a pass.
	if err := os.WriteFile(db, []byte("new change"), 0600); err != nil {
		t.Fatal(err)
	}
	if !waitFor(func() bool { return syncer.calls.Load() == 2 }) {
		t.Errorf("passes = %d after external write, want 2", syncer.calls.Load())
	}
}

func TestDaemonUnknownMessage(t *testing.T) {
	h := startDaemon(t, nil, nil)
	if _, err := h.client.roundTrip(Message{Type: "reboot"}); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestIsRunningInvalidPIDFile(t *testing.T) {
	dir := t.TempDir()
	pid := filepath.Join(dir, "daemon.pid")
	if IsRunning(pid, filepath.Join(dir, "s.sock")) {
		t.Error("IsRunning with no PID file")
	}
	_ = os.WriteFile(pid, []byte("not-a-pid"), 0600)
	if IsRunning(pid, filepath.Join(dir, "s.sock")) {
		t.Error("IsRunning with garbage PID file")
	}
}

func TestClientWithoutDaemon(t *testing.T) {
	c := NewClient(filepath.Join(shortDir(t), "missing.sock"))
	if _, err := c.Status(); err == nil {
		t.Error("expected dial error")
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if GetSocketPath() != "/run/user/1000/lova/daemon.sock" {
		t.Errorf("socket = %q", GetSocketPath())
	}
	if GetPIDPath() != "/run/user/1000/lova/daemon.pid" {
		t.Errorf("pid = %q", GetPIDPath())
	}
}
