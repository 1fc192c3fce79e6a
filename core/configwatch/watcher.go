package configwatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc is invoked with the path of a changed file.
type ReloadFunc func(path string) error

// Watcher polls files for changes and reloads them. A failed reload is
// logged and retried on the next change.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries []watchEntry
}

type stamp struct {
	modTime time.Time
	size    int64
}

type watchEntry struct {
	path   string
	seen   stamp
	reload ReloadFunc
}

// New creates a Watcher that polls at the given interval.
func New(interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		interval: interval,
		logger:   logger,
	}
}

// Watch adds a file. The file does not need to exist yet.
func (w *Watcher) Watch(path string, reload ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, watchEntry{
		path:   path,
		seen:   fileStamp(path),
		reload: reload,
	})
}

// Run polls until the context is cancelled. It blocks, so call it in a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check compares every watched file against its last seen state and
// reloads the changed ones. It returns the number of successful reloads.
func (w *Watcher) Check() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	reloaded := 0
	for i := range w.entries {
		e := &w.entries[i]
		current := fileStamp(e.path)

		// Missing (possibly mid-save) or unchanged.
		if current.modTime.IsZero() || current == e.seen {
			continue
		}

		e.seen = current
		if err := e.reload(e.path); err != nil {
			w.logger.Warn("reload failed", "path", e.path, "error", err)
			continue
		}
		w.logger.Info("file reloaded", "path", e.path)
		reloaded++
	}
	return reloaded
}

// fileStamp returns the file's modification time and size, or zero if it
// can't be read.
func fileStamp(path string) stamp {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}
}
