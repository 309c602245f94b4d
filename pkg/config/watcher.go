package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the configuration file and reports edits. Rules are loaded
// once per process, so a valid edit is surfaced as pending until restart.
type Watcher struct {
	path     string
	cfg      *Config
	pending  *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. active is the configuration the
// process is currently running with.
func NewWatcher(path string, active *Config, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		cfg:     active,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Config returns the active configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Pending returns the last valid on-disk configuration that differs from the
// active one, or nil.
func (w *Watcher) Pending() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pending
}

// OnChange registers a callback invoked with each valid edited configuration
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange = fn
}

// Start watches until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	// Editors often write several times in a row
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			cfg, err := w.check()
			if err != nil {
				w.logger.Error("Edited config is invalid", "path", w.path, "error", err)
				continue
			}
			w.logger.Warn("Config file changed, restart required to apply", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// check loads and validates the on-disk file and records it as pending
func (w *Watcher) check() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.pending = cfg
	w.mu.Unlock()

	return cfg, nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
