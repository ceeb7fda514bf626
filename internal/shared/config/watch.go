package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/walkerhughes/agent-sandboxing/internal/shared/async"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// result to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	opts     Options
	path     string
	onChange func(Config)
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchOption customizes a Watcher.
type WatchOption func(*Watcher)

// WithWatchDebounce sets the quiet period before a reload.
func WithWatchDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the watcher logger.
func WithWatchLogger(logger logging.Logger) WatchOption {
	return func(w *Watcher) { w.logger = logging.OrNop(logger) }
}

// NewWatcher watches opts.Path.
func NewWatcher(opts Options, onChange func(Config), watchOpts ...WatchOption) (*Watcher, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("config change handler required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		opts:     opts,
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logging.NewComponentLogger("ConfigWatcher"),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range watchOpts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run watches until ctx ends. Editors often replace the file, so the parent
// directory is watched and events are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.mu.Lock()
	w.watcher = fsWatcher
	w.mu.Unlock()
	defer w.Stop()

	w.logger.Info("[ConfigWatcher] watching %s", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("[ConfigWatcher] watch error: %v", err)
		}
	}
}

// Stop ends Run and cancels a pending reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		async.Go(w.logger, "config.reload", w.reload)
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.opts)
	if err != nil {
		w.logger.Warn("[ConfigWatcher] reload rejected: %v", err)
		return
	}
	w.logger.Info("[ConfigWatcher] reloaded %s", w.path)
	w.onChange(cfg)
}
