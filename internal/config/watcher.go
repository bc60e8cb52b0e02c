package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadWindow is how long the watcher gathers file events before it
// asks for one reload. Editors commonly write, chmod and rename in a burst.
const DefaultReloadWindow = 200 * time.Millisecond

// ReloadEvent asks the daemon to re-read config.yaml. Ops is every operation
// seen in the window that produced it.
type ReloadEvent struct {
	Path string
	Ops  fsnotify.Op
	At   time.Time
}

// Watcher reports changes to <home>/config.yaml. It watches the directory so
// saves that replace the file by rename are seen too.
type Watcher struct {
	homeDir string
	target  string
	window  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		target:  ConfigPath(homeDir),
		window:  DefaultReloadWindow,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 1),
	}
}

// SetReloadWindow changes the coalescing window. Call it before Start.
func (w *Watcher) SetReloadWindow(d time.Duration) {
	if d > 0 {
		w.window = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	var (
		pending fsnotify.Op
		flush   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// The window opens on the first event and is not extended, so a
			// file rewritten continuously still reloads once per window.
			if pending == 0 {
				flush = time.After(w.window)
			}
			pending |= ev.Op
		case <-flush:
			ev := ReloadEvent{Path: w.target, Ops: pending, At: time.Now()}
			pending, flush = 0, nil
			select {
			case w.events <- ev:
				w.logger.Info("config file changed", "path", ev.Path, "ops", ev.Ops.String())
			default:
				// A reload is already queued; it will read the latest file.
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
