// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher monitors a config directory (or a single file inside one) for
// YAML changes and triggers a full config reload with debouncing.
type Watcher struct {
	dir      string
	file     string // base name to react to; empty means any YAML file
	load     func() (*Config, error)
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a config directory watcher reloading through LoadDir.
// onChange is called with the merged config and the name of the changed file.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		load:     func() (*Config, error) { return LoadDir(dir) },
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// NewFileWatcher watches one config file and reloads it through Load.
// The parent directory is watched so editors that replace the file by
// rename are still seen.
func NewFileWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      filepath.Dir(path),
		file:     filepath.Base(path),
		load:     func() (*Config, error) { return Load(path) },
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir), zap.String("file", w.file))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if w.file != "" {
		if name != w.file {
			return false
		}
	} else if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			lastFile := filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile))

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(lastFile)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
