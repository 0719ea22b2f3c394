package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Registry when .cue files in a whitelist directory change.
type Watcher struct {
	reg      *Registry
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	// reloaded receives the result of every debounced reload. Tests use it
	// to wait for a reload without sleeping.
	reloaded chan error
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(reg *Registry, dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		reg:      reg,
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		reloaded: make(chan error, 1),
	}
}

// Reloaded reports the outcome of each reload the watcher triggers. Only
// the latest undelivered result is kept.
func (w *Watcher) Reloaded() <-chan error {
	return w.reloaded
}

// Run watches until ctx is cancelled. A failed reload is logged and the
// previous snapshot stays installed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching whitelist", "dir", w.dir)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".cue" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("whitelist changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			_, err := w.reg.Reload(ctx)
			if err != nil {
				w.logger.Error("whitelist reload failed", "error", err)
			}
			w.publish(err)
		}
	}
}

func (w *Watcher) publish(err error) {
	select {
	case w.reloaded <- err:
	default:
		select {
		case <-w.reloaded:
		default:
		}
		select {
		case w.reloaded <- err:
		default:
		}
	}
}

// Poll reloads reg every interval until ctx is cancelled. It keeps
// sources without change events current, such as the queue server's
// device list. onReload, if set, receives each reload's error.
func Poll(ctx context.Context, reg *Registry, interval time.Duration, logger *slog.Logger, onReload func(error)) {
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, err := reg.Reload(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warn("registry refresh failed", "error", err)
			}
			if onReload != nil {
				onReload(err)
			}
		}
	}
}
