package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors produce on save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
}

// NewWatcher returns a watcher for path. onReload receives every
// successfully validated reload; invalid files are logged and skipped.
func NewWatcher(path string, debounce time.Duration, onReload func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce, onReload: onReload}
}

// Run watches until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so atomic
// saves (write to temp, rename over) keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", w.path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	slog.Info("config: watching for changes", "path", abs, "debounce", w.debounce)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("config: file changed", "op", event.Op.String())

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config: reload failed, keeping current configuration", "path", abs, "error", err)
				continue
			}
			slog.Info("config: reloaded", "path", abs, "workflows", len(cfg.Workflows))
			w.onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}
