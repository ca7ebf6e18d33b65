// SPDX-License-Identifier: MIT

package signals

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher is a Source that caches the most recent reading (degraded ones
// included) and refreshes it when the activity file changes on disk. Producers rename into place, so
// watching the parent directory for create/rename events is sufficient.
// When the watch cannot be established the Watcher degrades to reading on
// every Latest call.
type Watcher struct {
	reader *Reader
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	cached  Reading
	haveWat bool

	// Updates receives a notification per observed file change. Buffered;
	// slow consumers miss wakeups, not data.
	updates chan struct{}
}

// NewWatcher wraps a Reader with change-driven caching.
func NewWatcher(reader *Reader, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		reader:  reader,
		path:    path,
		logger:  logger,
		cached:  Unavailable(),
		updates: make(chan struct{}, 1),
	}
}

// Updates exposes the wakeup channel for tick loops that want to react to
// fresh activity without polling.
func (w *Watcher) Updates() <-chan struct{} {
	return w.updates
}

// Run establishes the fsnotify watch and refreshes the cache until ctx is
// cancelled. Best-effort: on setup failure it logs and returns nil so the
// caller keeps running with per-call reads.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Str("event", "signals.watch_unavailable").Msg("activity watch disabled, falling back to polling")
		return nil
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn().Err(err).Str("event", "signals.watch_unavailable").Msg("activity watch disabled, falling back to polling")
		return nil
	}

	w.mu.Lock()
	w.haveWat = true
	w.cached = w.reader.Latest(ctx)
	w.mu.Unlock()

	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.haveWat = false
			w.mu.Unlock()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				w.mu.Lock()
				w.haveWat = false
				w.mu.Unlock()
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			reading := w.reader.Latest(ctx)
			w.mu.Lock()
			w.cached = reading
			w.mu.Unlock()
			select {
			case w.updates <- struct{}{}:
			default:
			}
		case err, ok := <-fw.Errors:
			if !ok {
				w.mu.Lock()
				w.haveWat = false
				w.mu.Unlock()
				return nil
			}
			w.logger.Warn().Err(err).Str("event", "signals.watch_error").Msg("activity watch error")
		}
	}
}

// Latest returns the cached reading while the watch is live, or reads
// through to the file otherwise. Staleness is re-evaluated on every call so
// a cached record from a dead producer still decays to stale.
func (w *Watcher) Latest(ctx context.Context) Reading {
	w.mu.RLock()
	cached, live := w.cached, w.haveWat
	w.mu.RUnlock()

	if !live {
		return w.reader.Latest(ctx)
	}
	if cached.Health == HealthFresh && w.reader.clock().Sub(cached.Record.TS) > w.reader.staleAge {
		return w.reader.degraded()
	}
	return cached
}
