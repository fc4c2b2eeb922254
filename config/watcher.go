package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/glimte/mmate-chain/bus"
)

// Watcher reapplies the interceptor lists of a configuration file to a
// running bus whenever the file changes. Chains already assembled keep the
// lists they were built with.
type Watcher struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Config
	onChange func(*Config)
}

// NewWatcher creates a watcher for path applying to b
func NewWatcher(path string, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		bus:    b,
		logger: logger,
	}
}

// OnChange registers a callback run after each successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Current returns the last applied configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload loads the file and applies it. On error the bus keeps its lists.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := cfg.Apply(w.bus); err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	onChange := w.onChange
	w.mu.Unlock()

	if onChange != nil {
		onChange(cfg)
	}
	return nil
}

// Watch applies the file, then reapplies it on every change until ctx is
// done. The directory is watched so that editors replacing the file are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	if err := w.Reload(); err != nil {
		return err
	}
	w.logger.Info("watching config file", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
			if err := w.Reload(); err != nil {
				w.logger.Error("failed to reload config", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
