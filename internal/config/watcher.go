// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/relay-tui/internal/logging"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// ReloadFunc runs after a successful reload with the fresh configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads configuration when the config file changes on disk.
//
// Editors replace files rather than rewriting them in place, so the watch is
// on the config directory and events are matched by name. Changes are
// debounced: a burst of write events produces one reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	log := logging.ForComponent(logging.CompConfig)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", "error", err)
		}
	}
}

// processPending fires the reload once the debounce window has passed with
// no further events.
func (w *Watcher) processPending() {
	log := logging.ForComponent(logging.CompConfig)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if !due {
				continue
			}

			cfg, err := LoadFromPath(w.path)
			if err != nil {
				log.Warn("config reload failed, keeping previous", "error", err)
				continue
			}
			SetGlobal(cfg)
			log.Info("config reloaded", "path", w.path)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		}
	}
}
