// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the burst of events a single save produces.
const WatchDebounce = 100 * time.Millisecond

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watch reloads the config file at path whenever it changes and passes each
// valid result to fn. Invalid files are logged and skipped; the previous
// config stays in effect. Watch returns once the watch is established and
// stops when ctx is done. fn runs on the watcher goroutine.
//
// The parent directory is watched rather than the file so that atomic
// replace-by-rename saves (including SaveTOML) are seen.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	go watchLoop(ctx, watcher, absPath, fn)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, fn func(*Config)) {
	defer watcher.Close()
	log := slog.Default().With("path", path)

	// Stopped timer; armed by the first relevant event.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce.Reset(WatchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", "err", err)

		case <-debounce.C:
			cfg, err := LoadFromPath(path)
			if err != nil {
				log.Warn("ignoring invalid config change", "err", err)
				continue
			}
			log.Info("config reloaded")
			fn(cfg)
		}
	}
}
