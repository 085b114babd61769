package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the config loaded from a file current. A revision is applied
// only when its bytes differ from the last applied one and it passes
// [Validate]; otherwise the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)
	log      *slog.Logger

	kick chan struct{}

	mu      sync.Mutex
	current *Config
	seen    stamp
	sum     [sha256.Size]byte
}

// stamp identifies a file revision cheaply. Saves that keep both size and
// mtime are caught by the content hash on the next forced check.
type stamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload and rejection messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a watcher holding it. Polling
// starts with [Watcher.Run]; apply receives every accepted revision.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen, w.sum = cfg, st, sum
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, whether or not its
// stamp changed. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.logCheck(false)
		case <-w.kick:
			w.logCheck(true)
		}
	}
}

func (w *Watcher) logCheck(force bool) {
	changed, err := w.check(force)
	switch {
	case err != nil:
		w.log.Warn("config rejected, keeping previous", "path", w.path, "error", err)
	case changed:
		w.log.Info("config reloaded", "path", w.path)
	case force:
		w.log.Info("config unchanged", "path", w.path)
	}
}

// Check re-reads the file if its size or mtime moved and applies it when the
// content changed. It reports whether a new revision was applied.
func (w *Watcher) Check() (bool, error) {
	return w.check(false)
}

func (w *Watcher) check(force bool) (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := w.seen == stamp{size: info.Size(), mtime: info.ModTime()}
	w.mu.Unlock()
	if unchanged && !force {
		return false, nil
	}

	cfg, st, sum, err := w.read()
	if err != nil {
		// Remember the stamp so a broken file is reported once, not every tick.
		w.mu.Lock()
		w.seen = st
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	w.seen = st
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, stamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, sum, err
	}
	st := stamp{size: info.Size(), mtime: info.ModTime()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, st, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, sum, err
	}
	return cfg, st, sha256.Sum256(data), nil
}
