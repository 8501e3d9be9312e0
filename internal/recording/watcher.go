package recording

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultQuietPeriod is how long a directory must stay unchanged before its
// handlers run.
const DefaultQuietPeriod = 5 * time.Second

// Watcher runs per-directory handlers once change notifications settle.
// Handlers run one at a time on the goroutine calling Run.
type Watcher struct {
	watcher *fsnotify.Watcher
	quiet   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string][]func()
}

func NewWatcher(quiet time.Duration, logger *slog.Logger) (*Watcher, error) {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		watcher:  fsw,
		quiet:    quiet,
		logger:   logger,
		handlers: make(map[string][]func()),
	}, nil
}

// Watch registers fn for changes inside dir.
func (w *Watcher) Watch(dir string, fn func()) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, watched := w.handlers[dir]; !watched {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %q: %w", dir, err)
		}
	}
	w.handlers[dir] = append(w.handlers[dir], fn)
	return nil
}

// Run dispatches settled changes until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	due := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	rearm := func() {
		if len(due) == 0 {
			return
		}
		var next time.Time
		for _, at := range due {
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			dir := filepath.Dir(filepath.Clean(event.Name))
			if !w.watched(dir) {
				continue
			}
			due[dir] = time.Now().Add(w.quiet)
			rearm()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)
		case <-timer.C:
			now := time.Now()
			for dir, at := range due {
				if at.After(now) {
					continue
				}
				delete(due, dir)
				for _, fn := range w.handlersFor(dir) {
					fn()
				}
			}
			rearm()
		}
	}
}

func (w *Watcher) watched(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.handlers[dir]
	return ok
}

func (w *Watcher) handlersFor(dir string) []func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]func(){}, w.handlers[dir]...)
}
