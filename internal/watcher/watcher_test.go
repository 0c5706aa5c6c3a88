package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"lova/internal/utils"
)

// startWatcher runs a watcher for paths and returns the change counter.
func startWatcher(t *testing.T, debounce time.Duration, paths ...string) *atomic.Int32 {
	t.Helper()
	var count atomic.Int32
	w, err := New(&Config{
		Paths:            paths,
		DebounceDuration: debounce,
		OnChange:         func() { count.Add(1) },
		Logger:           utils.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// fsnotify registration happens inside Run.
	time.Sleep(50 * time.Millisecond)
	return &count
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatcherDetectsDatabaseWrite(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "lova.db")
	writeFile(t, db, "initial")

	count := startWatcher(t, 30*time.Millisecond, db)
	writeFile(t, db, "modified")

	if !eventually(t, func() bool { return count.Load() >= 1 }) {
		t.Error("expected change to be detected")
	}
}

func TestWatcherSeesWALFiles(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "lova.db")
	writeFile(t, db, "x")

	count := startWatcher(t, 30*time.Millisecond, db)
	writeFile(t, db+"-wal", "frame")

	if !eventually(t, func() bool { return count.Load() >= 1 }) {
		t.Error("expected WAL write to count as a change")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "lova.db")
	writeFile(t, db, "x")

	count := startWatcher(t, 30*time.Millisecond, db)
	writeFile(t, filepath.Join(dir, "history.db"), "other")

	time.Sleep(200 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("unrelated file triggered %d changes", count.Load())
	}
}

func TestWatcherDebounce(t *testing.T) {
	dir := t.TempDir()
	count := startWatcher(t, 150*time.Millisecond, dir)

	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, "burst"), string(rune('a'+i)))
		time.Sleep(20 * time.Millisecond)
	}

	if !eventually(t, func() bool { return count.Load() >= 1 }) {
		t.Fatal("burst not detected")
	}
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("burst produced %d callbacks, want 1", got)
	}
}

func TestWatcherMissingPathSkipped(t *testing.T) {
	dir := t.TempDir()
	count := startWatcher(t, 30*time.Millisecond, filepath.Join(dir, "absent", "lova.db"), dir)

	writeFile(t, filepath.Join(dir, "present"), "x")
	if !eventually(t, func() bool { return count.Load() >= 1 }) {
		t.Error("existing path should still be watched")
	}
}

func TestNewRequiresCallback(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Error("expected error without OnChange")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(func() {}, "/tmp/a")
	if cfg.DebounceDuration != DefaultDebounceDuration || cfg.QuietPeriod != DefaultQuietPeriod {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Paths) != 1 || cfg.Paths[0] != "/tmp/a" {
		t.Errorf("paths = %v", cfg.Paths)
	}
}
