// Copyright 2025 The StrataDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrDuplicateWatch is returned when Watch is called on a registry that is
// already watching a config file.
var ErrDuplicateWatch = errors.New("duplicate watch")

// syncViper wraps a pair of vipers behind a read-write mutex so dynamic
// values stay consistent while a watched config file is reloaded underneath
// them. The disk viper mirrors the file; the live viper is what values read
// from and write to.
type syncViper struct {
	mu   sync.RWMutex
	live *viper.Viper
	disk *viper.Viper

	subscribers []chan<- struct{}
	watching    bool

	// setCh coalesces in-memory writes that need persisting back to disk.
	setCh chan struct{}
}

func newSyncViper() *syncViper {
	return &syncViper{
		live:  viper.New(),
		disk:  viper.New(),
		setCh: make(chan struct{}, 1),
	}
}

// Watch loads the config file the static registry used into the live config
// and begins watching it for changes. When no config file was used, nothing
// is watched and dynamic values serve defaults, environment variables, and
// flags only. The returned cancel stops the persistence loop.
func (sv *syncViper) Watch(ctx context.Context, static *viper.Viper, minPersistInterval time.Duration) (context.CancelFunc, error) {
	if sv.watching {
		return nil, fmt.Errorf("%w: already watching %s", ErrDuplicateWatch, sv.disk.ConfigFileUsed())
	}

	cfg := static.ConfigFileUsed()
	if cfg == "" {
		return func() {}, nil
	}

	sv.watching = true
	sv.disk.SetConfigFile(cfg)
	if err := sv.disk.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to load %s into the dynamic registry: %w", cfg, err)
	}
	sv.loadFromDisk()

	sv.disk.OnConfigChange(func(fsnotify.Event) {
		sv.loadFromDisk()

		for _, ch := range sv.subscribers {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	sv.disk.WatchConfig()

	ctx, cancel := context.WithCancel(ctx)
	go sv.persistChanges(ctx, minPersistInterval)
	return cancel, nil
}

// Notify subscribes ch to config reload events. Notifications are sent
// non-blocking, like signal.Notify. It must be called before Watch; it
// panics once the watch has started.
func (sv *syncViper) Notify(ch chan<- struct{}) {
	if sv.watching {
		panic("viperutil: Notify must be called before the config watch starts")
	}
	sv.subscribers = append(sv.subscribers, ch)
}

// AllSettings snapshots the live config.
func (sv *syncViper) AllSettings() map[string]any {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.live.AllSettings()
}

func (sv *syncViper) setDefault(key string, value any) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.live.SetDefault(key, value)
}

func (sv *syncViper) bindEnv(input ...string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_ = sv.live.BindEnv(input...)
}

func (sv *syncViper) bindFlag(key string, flag *pflag.Flag) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.live.BindPFlag(key, flag)
}

func (sv *syncViper) set(key string, value any) {
	sv.mu.Lock()
	sv.live.Set(key, value)
	sv.mu.Unlock()

	select {
	case sv.setCh <- struct{}{}:
	default:
	}
}

func (sv *syncViper) loadFromDisk() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_ = sv.live.MergeConfigMap(sv.disk.AllSettings())
}

// persistChanges writes in-memory Sets back to the watched config file, at
// most once per minInterval.
func (sv *syncViper) persistChanges(ctx context.Context, minInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.setCh:
		}

		sv.persist()

		select {
		case <-ctx.Done():
			return
		case <-time.After(minInterval):
		}
	}
}

func (sv *syncViper) persist() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if err := sv.disk.MergeConfigMap(sv.live.AllSettings()); err != nil {
		slog.Warn("failed to merge dynamic config for persistence", "err", err)
		return
	}
	if err := sv.disk.WriteConfig(); err != nil {
		slog.Warn("failed to persist dynamic config", "file", sv.disk.ConfigFileUsed(), "err", err)
	}
}
