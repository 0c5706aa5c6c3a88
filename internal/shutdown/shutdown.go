// Package shutdown coordinates graceful shutdown of the daemon and emulator:
// signal handling, cleanup registration and a context cancelled on shutdown.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"

	"lova/internal/utils"
)

// CleanupFunc is a function that performs cleanup on shutdown.
// It receives a context that will be cancelled when the shutdown times out.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	shutdown bool
	reason   string
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	log      *logrus.Entry
}

// NewManager creates a manager whose context is cancelled on Shutdown or
// when parent is done.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		ctx:    ctx,
		cancel: cancel,
		log:    utils.Component("shutdown"),
	}
	go func() {
		<-ctx.Done()
		m.Shutdown("context done")
	}()
	return m
}

// SetLogger replaces the log entry.
func (m *Manager) SetLogger(log *logrus.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log != nil {
		m.log = log
	}
}

// NotifySignals shuts down when one of sigs arrives. The returned function
// stops listening.
func (m *Manager) NotifySignals(sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			m.Shutdown("signal " + sig.String())
		case <-done:
		case <-m.ctx.Done():
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// RegisterCleanup registers a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called).
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates a graceful shutdown. Only the first call has effect.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.reason = reason
		log := m.log
		m.mu.Unlock()

		log.WithField("reason", reason).Debug("shutdown requested")
		m.cancel()
	})
}

// Reason returns why shutdown was initiated, or "" if it was not.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	log := m.log
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			log.WithError(err).WithField("cleanup", cleanups[i].name).Warn("cleanup failed")
		}
	}
}

// Wait runs the registered cleanups and returns once they finish or ctx
// expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runCleanups(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context that is cancelled when shutdown is initiated.
func (m *Manager) Context() context.Context {
	return m.ctx
}
