// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Snapshot is an immutable configuration snapshot with a monotone epoch.
type Snapshot struct {
	App   AppConfig
	Epoch uint64
}

// Holder holds configuration with atomic replacement. It provides
// thread-safe reads and supports hot reloading from file or a
// full-replacement update via the operator API.
type Holder struct {
	reloadOpMu sync.Mutex
	epoch      atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	configPath string
	logger     zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- Snapshot
}

// NewHolder creates a Holder seeded with the initial config.
func NewHolder(initial AppConfig, configPath string, logger zerolog.Logger) *Holder {
	h := &Holder{
		configPath: configPath,
		logger:     logger,
	}
	h.swap(initial)
	return h
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() AppConfig {
	return h.snapshot.Load().App
}

// Current returns the current immutable snapshot.
func (h *Holder) Current() Snapshot {
	return *h.snapshot.Load()
}

func (h *Holder) swap(next AppConfig) Snapshot {
	snap := Snapshot{App: next, Epoch: h.epoch.Add(1)}
	h.snapshot.Store(&snap)
	h.notify(snap)
	return snap
}

// Update validates and installs a full-replacement configuration record.
// On error the previous configuration stays in force.
func (h *Holder) Update(next AppConfig) error {
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	if err := Validate(next); err != nil {
		h.logger.Warn().Err(err).Str("event", "config.update_rejected").Msg("config update rejected, previous config retained")
		return err
	}

	snap := h.swap(next)
	h.logger.Info().Uint64("epoch", snap.Epoch).Str("event", "config.updated").Msg("configuration replaced")
	return nil
}

// Reload re-reads the config file and installs it if valid.
func (h *Holder) Reload() error {
	if h.configPath == "" {
		return nil
	}
	cfg, err := Load(h.configPath)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", "config.reload_rejected").Msg("config reload rejected, previous config retained")
		return fmt.Errorf("reload config: %w", err)
	}
	return h.Update(cfg)
}

// RegisterListener subscribes a channel to configuration swaps. Sends are
// non-blocking; a full channel misses the notification.
func (h *Holder) RegisterListener(ch chan<- Snapshot) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(snap Snapshot) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

// StartWatcher watches the config file and reloads on change. Best-effort:
// callers treat a setup failure as non-fatal.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.configPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	target := filepath.Base(h.configPath)
	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		// Debounce: editors and atomic-rename writers fire event bursts.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case <-pending:
				pending = nil
				if err := h.Reload(); err != nil {
					h.logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("file reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watch error")
			}
		}
	}()
	return nil
}
