// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the config file when it changes on disk and hands the
// new, validated config to onChange. Invalid edits are logged and ignored.
type ConfigWatcher struct {
	path      string
	logger    *Logger
	onChange  func(old, updated *Config)
	overrides func(*Config)

	mu      sync.Mutex
	current *Config

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConfigWatcher(path string, initial *Config, logger *Logger, onChange func(old, updated *Config)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		logger:   logger.WithComponent("config_watcher"),
		onChange: onChange,
		current:  initial,
		stopCh:   make(chan struct{}),
	}
}

// SetOverrides sets the values layered over every reloaded file, such as
// command line flags. Call it before Start.
func (w *ConfigWatcher) SetOverrides(overrides func(*Config)) {
	w.overrides = overrides
}

func (w *ConfigWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory to catch atomic writes (rename operations)
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.logger.Info("Watching config file for changes", "path", w.path)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(ConfigReloadDebounce, w.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Config watcher error", "error", err)

			case <-w.stopCh:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
	return nil
}

func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Current returns the last config that passed validation
func (w *ConfigWatcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *ConfigWatcher) reload() {
	updated, err := BuildConfig(w.path, w.overrides)
	if err != nil {
		w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	w.logConfigChanges(old, updated)
	if w.onChange != nil {
		w.onChange(old, updated)
	}
}

func (w *ConfigWatcher) logConfigChanges(old, updated *Config) {
	if old == nil {
		return
	}
	if old.UpdateInterval != updated.UpdateInterval {
		w.logger.Info("Config changed", "field", "update_interval_seconds", "old", old.UpdateInterval, "new", updated.UpdateInterval)
	}
	if old.Debug != updated.Debug {
		w.logger.Info("Config changed", "field", "debug", "old", old.Debug, "new", updated.Debug)
	}
	if old.AccountContract != updated.AccountContract || old.Username != updated.Username || old.Prosumer != updated.Prosumer {
		w.logger.Warn("Account, credential and resource changes take effect after a restart")
	}
}
