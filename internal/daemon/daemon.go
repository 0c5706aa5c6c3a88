// Package daemon runs the background sync process. It hosts the connectivity
// monitor, answers notify/status/stop requests on a Unix socket, and can
// watch the local cache database for writes made by other processes.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lova/internal/connectivity"
	"lova/internal/shutdown"
	"lova/internal/utils"
	"lova/internal/watcher"
)

const (
	// CleanupTimeout bounds the work done after the daemon is asked to stop.
	CleanupTimeout = 5 * time.Second
	// retryDelay is how long a notify waits when a pass is already running.
	retryDelay = 250 * time.Millisecond
	ioTimeout  = 5 * time.Second
	// minQuietWindow is the shortest time after a pass during which watched
	// database writes are attributed to that pass.
	minQuietWindow = 200 * time.Millisecond
)

// IPC message types.
const (
	MsgNotify = "notify"
	MsgStatus = "status"
	MsgStop   = "stop"
)

// Config holds daemon configuration.
type Config struct {
	PIDPath     string
	SocketPath  string
	IdleTimeout time.Duration // 0 keeps the daemon running until stopped
	WatchPaths  []string      // local database files that trigger a sync on change
	Debounce    time.Duration

	// Used by Fork to build the child command line.
	Executable string
	ConfigPath string
	DBPath     string
}

// Message represents an IPC message between CLI and daemon.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Response represents a daemon response to CLI.
type Response struct {
	Status         string `json:"status"` // "ok", "error"
	Message        string `json:"message,omitempty"`
	Running        bool   `json:"running"`
	PID            int    `json:"pid,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	Online         bool   `json:"online"`
	SyncInProgress bool   `json:"sync_in_progress"`
	Passes         int    `json:"passes"`
	Notifications  int64  `json:"notifications"`
	LastSynced     int    `json:"last_synced"`
	LastSync       string `json:"last_sync,omitempty"`
	LastActive     string `json:"last_active,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Daemon is a running sync process.
type Daemon struct {
	cfg     *Config
	monitor *connectivity.Monitor
	log     *logrus.Entry

	kick     chan struct{}
	activity chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	started  time.Time
	notifies atomic.Int64
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the log entry, typically the background log file.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Daemon) {
		if log != nil {
			d.log = log
		}
	}
}

// New creates a daemon around monitor.
func New(cfg *Config, monitor *connectivity.Monitor, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		monitor:  monitor,
		log:      utils.Component("daemon"),
		kick:     make(chan struct{}, 1),
		activity: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify requests a sync pass. Requests made while one is queued coalesce.
func (d *Daemon) Notify() {
	d.notifies.Add(1)
	d.touch()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stop asks a running daemon to exit.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) touch() {
	select {
	case d.activity <- struct{}{}:
	default:
	}
}

// Run serves until ctx is cancelled, Stop is called, a SIGINT/SIGTERM
// arrives, or the idle timeout elapses.
func (d *Daemon) Run(ctx context.Context) error {
	if err := writePID(d.cfg.PIDPath); err != nil {
		return err
	}
	listener, err := listen(d.cfg.SocketPath)
	if err != nil {
		_ = os.Remove(d.cfg.PIDPath)
		return err
	}

	sm := shutdown.NewManager(ctx)
	sm.SetLogger(d.log)
	stopSignals := sm.NotifySignals(syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()
	sm.RegisterCleanup("files", func(context.Context) error {
		_ = os.Remove(d.cfg.SocketPath)
		return os.Remove(d.cfg.PIDPath)
	})

	d.started = time.Now()
	d.log.WithFields(logrus.Fields{
		"pid":    os.Getpid(),
		"socket": d.cfg.SocketPath,
		"idle":   d.cfg.IdleTimeout,
	}).Info("daemon started")

	g, gctx := errgroup.WithContext(sm.Context())
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.serve(gctx, listener) })
	g.Go(func() error { return d.syncLoop(gctx) })
	g.Go(func() error {
		select {
		case <-d.stopCh:
			sm.Shutdown("stop requested")
		case <-gctx.Done():
		}
		return nil
	})
	if d.cfg.IdleTimeout > 0 {
		g.Go(func() error { return d.idleLoop(gctx, sm) })
	}
	if len(d.cfg.WatchPaths) > 0 {
		w, err := watcher.New(&watcher.Config{
			Paths:            d.cfg.WatchPaths,
			DebounceDuration: d.cfg.Debounce,
			OnChange:         d.Notify,
			Logger:           d.log.WithField("component", "watcher"),
		})
		if err != nil {
			d.log.WithError(err).Warn("file watcher disabled")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err = g.Wait()
	sm.Shutdown("stopped")

	cctx, cancel := context.WithTimeout(context.Background(), CleanupTimeout)
	defer cancel()
	if werr := sm.Wait(cctx); werr != nil {
		d.log.WithError(werr).Warn("cleanup incomplete")
	}
	d.log.WithField("reason", sm.Reason()).Info("daemon stopped")
	return err
}

func (d *Daemon) idleLoop(ctx context.Context, sm *shutdown.Manager) error {
	timer := time.NewTimer(d.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.activity:
			timer.Reset(d.cfg.IdleTimeout)
		case <-timer.C:
			sm.Shutdown("idle timeout")
			return nil
		}
	}
}

// onDatabaseChange handles a debounced write to a watched database file.
// Passes rewrite the queue slot themselves, so writes seen while a pass runs
// or within the quiet window after it finished are the daemon's own and must
// not start another pass.
func (d *Daemon) onDatabaseChange() {
	st := d.monitor.State()
	if st.SyncInProgress {
		return
	}
	if !st.LastSync.IsZero() && time.Since(st.LastSync) < d.quietWindow() {
		d.log.Debug("ignoring database write from own sync pass")
		return
	}
	d.Notify()
}

func (d *Daemon) quietWindow() time.Duration {
	debounce := d.cfg.Debounce
	if debounce <= 0 {
		debounce = watcher.DefaultDebounceDuration
	}
	return max(2*debounce, minQuietWindow)
}

// syncLoop runs requested passes one at a time.
func (d *Daemon) syncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
			d.syncNow(ctx)
		}
	}
}

func (d *Daemon) syncNow(ctx context.Context) {
	wasOnline := d.monitor.State().Online
	if !d.monitor.Probe(ctx) {
		d.log.Info("remote unreachable, changes stay queued")
		return
	}
	if !wasOnline {
		// Probe synced on the offline to online transition.
		return
	}

	synced, err := d.monitor.TriggerSync(ctx)
	switch {
	case errors.Is(err, connectivity.ErrSyncInProgress):
		// The running pass may have read the queue before this change landed.
		time.AfterFunc(retryDelay, d.Notify)
	case err != nil:
		d.log.WithError(err).Warn("sync failed")
	default:
		d.log.WithField("synced", synced).Info("sync completed")
	}
	d.touch()
}

func (d *Daemon) serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.WithError(err).Warn("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConnection(conn)
		}()
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	var msg Message
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		return
	}
	d.touch()
	d.log.WithField("type", msg.Type).Debug("ipc request")

	var resp Response
	switch msg.Type {
	case MsgNotify:
		d.Notify()
		resp = Response{Status: "ok", Running: true}
	case MsgStatus:
		resp = d.status()
	case MsgStop:
		resp = Response{Status: "ok", Running: false}
		_ = json.NewEncoder(conn).Encode(resp)
		d.Stop()
		return
	default:
		resp = Response{Status: "error", Message: "unknown message type"}
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (d *Daemon) status() Response {
	st := d.monitor.State()
	return Response{
		Status:         "ok",
		Running:        true,
		PID:            os.Getpid(),
		StartedAt:      formatTime(d.started),
		Online:         st.Online,
		SyncInProgress: st.SyncInProgress,
		Passes:         st.Passes,
		Notifications:  d.notifies.Load(),
		LastSynced:     st.LastSynced,
		LastSync:       formatTime(st.LastSync),
		LastActive:     formatTime(st.LastActive),
		LastError:      st.LastError,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	return l, nil
}

// Client provides methods to communicate with a running daemon.
type Client struct {
	socketPath string
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Notify asks the daemon to run a sync pass.
func (c *Client) Notify() error {
	_, err := c.roundTrip(Message{Type: MsgNotify})
	return err
}

// Status gets the daemon status.
func (c *Client) Status() (*Response, error) {
	return c.roundTrip(Message{Type: MsgStatus})
}

// Stop requests the daemon to stop and waits for confirmation.
func (c *Client) Stop() error {
	_, err := c.roundTrip(Message{Type: MsgStop})
	return err
}

func (c *Client) roundTrip(msg Message) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return &resp, fmt.Errorf("daemon: %s", resp.Message)
	}
	return &resp, nil
}

// Fork starts a detached `lova daemon run` process.
func Fork(cfg *Config) error {
	executable := cfg.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	var args []string
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}
	if cfg.DBPath != "" {
		args = append(args, "--db-path", cfg.DBPath)
	}
	args = append(args, "daemon", "run",
		"--pid-path", cfg.PIDPath,
		"--socket-path", cfg.SocketPath,
	)

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release daemon process: %w", err)
	}
	return nil
}

// IsRunning checks the PID file and socket. A stale PID file is removed.
func IsRunning(pidPath, socketPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		return false
	}

	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// RuntimeDir returns the directory for the PID file and socket.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "lova")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("lova-%d", os.Getuid()))
}

// GetSocketPath returns the default socket path.
func GetSocketPath() string {
	return filepath.Join(RuntimeDir(), "daemon.sock")
}

// GetPIDPath returns the default PID file path.
func GetPIDPath() string {
	return filepath.Join(RuntimeDir(), "daemon.pid")
}
