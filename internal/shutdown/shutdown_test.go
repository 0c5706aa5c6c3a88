package shutdown_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"lova/internal/shutdown"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestShutdownCancelsContext(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())
	if mgr.IsShutdown() {
		t.Fatal("shutdown before request")
	}

	mgr.Shutdown("stop requested")

	select {
	case <-mgr.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Shutdown")
	}
	if !mgr.IsShutdown() || mgr.Reason() != "stop requested" {
		t.Errorf("state = %v %q", mgr.IsShutdown(), mgr.Reason())
	}
}

func TestShutdownFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	mgr := shutdown.NewManager(parent)
	cancel()

	select {
	case <-mgr.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with parent")
	}
	deadline := time.Now().Add(time.Second)
	for !mgr.IsShutdown() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !mgr.IsShutdown() {
		t.Error("parent cancellation not recorded as shutdown")
	}
}

func TestShutdownOnSignal(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())
	stop := mgr.NotifySignals(syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-mgr.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	if !strings.HasPrefix(mgr.Reason(), "signal ") {
		t.Errorf("reason = %q", mgr.Reason())
	}
}

// TestShutdownWaitsForInFlightWork verifies a cleanup can hold shutdown until
// an in-flight sync pass persists its result.
func TestShutdownWaitsForInFlightWork(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())

	passDone := make(chan struct{})
	var persisted atomic.Bool
	mgr.RegisterCleanup("sync-pass", func(ctx context.Context) error {
		select {
		case <-passDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		persisted.Store(true)
		close(passDone)
	}()

	mgr.Shutdown("test")
	if err := mgr.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !persisted.Load() {
		t.Error("shutdown finished before in-flight work")
	}
}

func TestShutdownTimeout(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())
	mgr.RegisterCleanup("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	mgr.Shutdown("test")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := mgr.Wait(ctx); err == nil {
		t.Error("expected timeout error")
	}
}

func TestShutdownConcurrentSafety(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())
	var calls atomic.Int32
	mgr.RegisterCleanup("count", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Shutdown("concurrent")
		}()
	}
	wg.Wait()

	_ = mgr.Wait(waitCtx(t))
	if calls.Load() != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls.Load())
	}
}

func TestShutdownOrder(t *testing.T) {
	mgr := shutdown.NewManager(context.Background())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		mgr.RegisterCleanup(name, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	mgr.Shutdown("test")
	_ = mgr.Wait(waitCtx(t))

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}
