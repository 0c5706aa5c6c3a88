// Package watcher triggers sync passes when the local cache database changes
// on disk, for example when a CLI process queues a write while the daemon
// runs. Rapid changes are batched with a debounce window.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"lova/internal/utils"
)

const (
	// DefaultDebounceDuration is the default debounce window for batching rapid changes.
	DefaultDebounceDuration = 1 * time.Second

	// DefaultQuietPeriod defers the callback while writes keep arriving.
	DefaultQuietPeriod = 2 * time.Second
)

// Config holds file watcher configuration.
type Config struct {
	// Paths are files or directories to watch. A file is watched through its
	// parent directory so SQLite journal and WAL files are seen too.
	Paths            []string
	DebounceDuration time.Duration
	// QuietPeriod, when set, fires only after no event arrived for this long.
	QuietPeriod time.Duration
	OnChange    func()
	Logger      *logrus.Entry
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(onChange func(), paths ...string) *Config {
	return &Config{
		Paths:            paths,
		DebounceDuration: DefaultDebounceDuration,
		QuietPeriod:      DefaultQuietPeriod,
		OnChange:         onChange,
	}
}

// Watcher monitors file system changes and invokes OnChange.
type Watcher struct {
	cfg *Config
	fsw *fsnotify.Watcher
	log *logrus.Entry
	// prefixes of base names that count as a change, per watched directory
	match map[string][]string
}

// New creates a Watcher.
func New(cfg *Config) (*Watcher, error) {
	if cfg == nil || cfg.OnChange == nil {
		return nil, errors.New("watcher: OnChange is required")
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultDebounceDuration
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = utils.Component("watcher")
	}
	return &Watcher{cfg: cfg, fsw: fsw, log: log, match: map[string][]string{}}, nil
}

// add registers the configured paths. Missing paths are skipped.
func (w *Watcher) add() error {
	for _, path := range w.cfg.Paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			w.log.WithField("path", path).Debug("watch path missing, skipped")
			continue
		}
		if err != nil {
			return err
		}

		dir, prefix := path, ""
		if !info.IsDir() {
			dir, prefix = filepath.Dir(path), filepath.Base(path)
		}
		if _, seen := w.match[dir]; !seen {
			if err := w.fsw.Add(dir); err != nil {
				return fmt.Errorf("failed to watch path %q: %w", dir, err)
			}
		}
		w.match[dir] = append(w.match[dir], prefix)
	}
	return nil
}

func (w *Watcher) relevant(name string) bool {
	prefixes := w.match[filepath.Dir(name)]
	base := filepath.Base(name)
	for _, p := range prefixes {
		if p == "" || strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()
	if err := w.add(); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	arm := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	wait := w.cfg.DebounceDuration
	if w.cfg.QuietPeriod > wait {
		wait = w.cfg.QuietPeriod
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.relevant(event.Name) {
				continue
			}
			arm(wait)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch error")

		case <-fire:
			w.log.Debug("change detected")
			w.cfg.OnChange()
		}
	}
}
