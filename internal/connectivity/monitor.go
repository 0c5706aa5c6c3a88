// Package connectivity watches remote store reachability and triggers sync
// passes when the client comes back online.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lova/internal/utils"
)

const (
	// DefaultProbeInterval is how often reachability is checked.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single reachability check.
	DefaultProbeTimeout = 5 * time.Second
)

// ErrSyncInProgress is returned when a pass is requested while one is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Syncer runs one sync pass and returns the number of changes applied.
type Syncer interface {
	SyncAll(ctx context.Context) (int, error)
}

// Prober checks whether the remote store is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// State is the monitor's view of connectivity and sync activity.
type State struct {
	Online         bool
	SyncInProgress bool
	// LastActive is when the remote store was last seen reachable.
	LastActive time.Time
	// LastSync is when the last pass finished; LastSynced is what it applied.
	LastSync   time.Time
	LastSynced int
	LastError  string
	Passes     int
}

// Monitor owns the connectivity state and serializes sync passes.
type Monitor struct {
	syncer        Syncer
	prober        Prober
	probeInterval time.Duration
	probeTimeout  time.Duration
	periodic      bool
	onChange      func(State)
	log           *logrus.Entry
	now           func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeInterval sets how often Run checks reachability.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeInterval = d
		}
	}
}

// WithProbeTimeout bounds each reachability check.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithPeriodicSync makes Run also sync on every probe that finds the store
// reachable, not only on offline to online transitions.
func WithPeriodicSync(enabled bool) Option {
	return func(m *Monitor) {
		m.periodic = enabled
	}
}

// WithOnChange registers a callback invoked with a copy of the state after every change.
func WithOnChange(fn func(State)) Option {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Monitor. The client starts out offline until the first probe
// or SetOnline call says otherwise. prober may be nil when reachability is
// reported externally through SetOnline.
func New(syncer Syncer, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		syncer:        syncer,
		prober:        prober,
		probeInterval: DefaultProbeInterval,
		probeTimeout:  DefaultProbeTimeout,
		log:           utils.Component("connectivity"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOnline records a reachability observation. An offline to online
// transition triggers a sync pass before SetOnline returns.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	wasOnline := m.state.Online
	m.state.Online = online
	if online {
		m.state.LastActive = m.now()
	}
	m.mu.Unlock()
	m.notify()

	if wasOnline != online {
		m.log.WithField("online", online).Info("connectivity changed")
	}
	if online && !wasOnline {
		if _, err := m.TriggerSync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			m.log.WithError(err).Warn("sync after reconnect failed")
		}
	}
}

// TriggerSync runs a pass unless one is already running, in which case it
// returns ErrSyncInProgress without waiting.
func (m *Monitor) TriggerSync(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.state.SyncInProgress {
		m.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	m.state.SyncInProgress = true
	m.mu.Unlock()
	m.notify()

	synced, err := m.syncer.SyncAll(ctx)

	m.mu.Lock()
	m.state.SyncInProgress = false
	m.state.LastSync = m.now()
	m.state.LastSynced = synced
	m.state.Passes++
	m.state.LastError = ""
	if err != nil {
		m.state.LastError = err.Error()
	}
	m.mu.Unlock()
	m.notify()

	return synced, err
}

// Probe checks reachability once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.State().Online
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Ping(pctx)
	cancel()

	if err != nil {
		m.log.WithError(err).Debug("remote store unreachable")
	}
	m.SetOnline(ctx, err == nil)
	return err == nil
}

// Run probes on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.probeInterval).Debug("connectivity monitor started")

	wasOnline := m.Probe(ctx)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("connectivity monitor stopped")
			return nil
		case <-ticker.C:
			online := m.Probe(ctx)
			// Reconnects already synced inside SetOnline.
			if online && wasOnline && m.periodic {
				if _, err := m.TriggerSync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					m.log.WithError(err).Warn("periodic sync failed")
				}
			}
			wasOnline = online
		}
	}
}

func (m *Monitor) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.State())
}
