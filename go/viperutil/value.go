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
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a Value at registration time.
type Options[T any] struct {
	// Default is the value served when no flag, environment variable, or
	// config file provides the key.
	Default T

	// EnvVars are environment variable names bound to the key, in
	// decreasing order of precedence.
	EnvVars []string

	// FlagName names the command-line flag bound to the key by BindFlags.
	// Leave empty for keys with no flag.
	FlagName string

	// GetFunc overrides how the value is read out of the backing viper. When
	// nil, a getter is chosen based on the value's type.
	GetFunc func(v *viper.Viper) func(key string) T

	// Dynamic registers the value in the dynamic registry, where it picks up
	// changes to a watched config file for the lifetime of the process.
	Dynamic bool
}

// Bindable is the type-erased surface of Value used by BindFlags, which
// needs to accept values of differing underlying types in one call.
type Bindable interface {
	Key() string
	Flag(fs *pflag.FlagSet) (*pflag.Flag, error)

	bindFlag(flag *pflag.Flag) error
}

// Value is a typed configuration variable registered in a Registry. Reads
// consult, in order: explicit Sets, bound flags, bound environment
// variables, the loaded config file, and the registered default.
type Value[T any] interface {
	Bindable

	Default() T
	Get() T
	Set(v T)
}

// Configure registers key in reg and returns the Value handle for it. The
// value lands in the static registry unless opts.Dynamic is set.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	get := opts.GetFunc
	if get == nil {
		get = GetFuncForType[T]()
	}

	if opts.Dynamic {
		d := &Dynamic[T]{
			KeyName:    key,
			DefaultVal: opts.Default,
			GetFunc:    get,
			EnvVars:    opts.EnvVars,
			FlagName:   opts.FlagName,
			sv:         reg.dynamic,
		}
		reg.dynamic.setDefault(key, opts.Default)
		if len(opts.EnvVars) > 0 {
			reg.dynamic.bindEnv(append([]string{key}, opts.EnvVars...)...)
		}
		return d
	}

	s := &Static[T]{
		KeyName:    key,
		DefaultVal: opts.Default,
		GetFunc:    get,
		EnvVars:    opts.EnvVars,
		FlagName:   opts.FlagName,
		v:          reg.static,
	}
	reg.static.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = reg.static.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}
	return s
}

// BindFlags binds each value to its named flag in fs. The flags must already
// be defined on the flag set; a missing flag is a programmer error and
// panics at registration time.
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, val := range values {
		flag, err := val.Flag(fs)
		if err != nil {
			panic(fmt.Errorf("failed to load flag for %s: %w", val.Key(), err))
		}
		if flag == nil {
			continue
		}

		if err := val.bindFlag(flag); err != nil {
			panic(fmt.Errorf("failed to bind flag %q to %s: %w", flag.Name, val.Key(), err))
		}
	}
}

// Static is a Value backed by the registry's static viper. It keeps
// whatever value it had when the config was loaded for the lifetime of the
// process, regardless of later changes to a watched config file.
type Static[T any] struct {
	KeyName    string
	DefaultVal T
	GetFunc    func(v *viper.Viper) func(key string) T
	EnvVars    []string
	FlagName   string

	v *viper.Viper
}

func (s *Static[T]) Key() string { return s.KeyName }

func (s *Static[T]) Default() T { return s.DefaultVal }

func (s *Static[T]) Get() T { return s.GetFunc(s.v)(s.KeyName) }

// Set overrides the value. Overrides take precedence over every other
// config source.
func (s *Static[T]) Set(v T) { s.v.Set(s.KeyName, v) }

func (s *Static[T]) Flag(fs *pflag.FlagSet) (*pflag.Flag, error) {
	return lookupFlag(fs, s.FlagName, s.KeyName)
}

func (s *Static[T]) bindFlag(flag *pflag.Flag) error {
	return s.v.BindPFlag(s.KeyName, flag)
}

// Dynamic is a Value backed by the registry's dynamic viper. While a config
// file is being watched, Get reflects the file's current contents, and Set
// writes through to it via the persistence loop.
type Dynamic[T any] struct {
	KeyName    string
	DefaultVal T
	GetFunc    func(v *viper.Viper) func(key string) T
	EnvVars    []string
	FlagName   string

	sv *syncViper
}

func (d *Dynamic[T]) Key() string { return d.KeyName }

func (d *Dynamic[T]) Default() T { return d.DefaultVal }

func (d *Dynamic[T]) Get() T {
	d.sv.mu.RLock()
	defer d.sv.mu.RUnlock()
	return d.GetFunc(d.sv.live)(d.KeyName)
}

func (d *Dynamic[T]) Set(v T) { d.sv.set(d.KeyName, v) }

func (d *Dynamic[T]) Flag(fs *pflag.FlagSet) (*pflag.Flag, error) {
	return lookupFlag(fs, d.FlagName, d.KeyName)
}

func (d *Dynamic[T]) bindFlag(flag *pflag.Flag) error {
	return d.sv.bindFlag(d.KeyName, flag)
}

func lookupFlag(fs *pflag.FlagSet, flagName, key string) (*pflag.Flag, error) {
	if flagName == "" {
		return nil, nil
	}

	flag := fs.Lookup(flagName)
	if flag == nil {
		return nil, fmt.Errorf("no flag named %q defined (for key %s)", flagName, key)
	}
	return flag, nil
}

// GetFuncForType returns the standard getter for T. Types without a native
// viper getter fall back to UnmarshalKey with the usual string conversion
// hooks.
func GetFuncForType[T any]() func(v *viper.Viper) func(key string) T {
	var (
		t T
		f any
	)

	switch any(t).(type) {
	case bool:
		f = func(v *viper.Viper) func(key string) bool { return v.GetBool }
	case int:
		f = func(v *viper.Viper) func(key string) int { return v.GetInt }
	case int32:
		f = func(v *viper.Viper) func(key string) int32 { return v.GetInt32 }
	case int64:
		f = func(v *viper.Viper) func(key string) int64 { return v.GetInt64 }
	case uint:
		f = func(v *viper.Viper) func(key string) uint { return v.GetUint }
	case float64:
		f = func(v *viper.Viper) func(key string) float64 { return v.GetFloat64 }
	case string:
		f = func(v *viper.Viper) func(key string) string { return v.GetString }
	case []string:
		f = func(v *viper.Viper) func(key string) []string { return v.GetStringSlice }
	case map[string]string:
		f = func(v *viper.Viper) func(key string) map[string]string { return v.GetStringMapString }
	case time.Duration:
		f = func(v *viper.Viper) func(key string) time.Duration { return v.GetDuration }
	}

	if fn, ok := f.(func(v *viper.Viper) func(key string) T); ok {
		return fn
	}
	return unmarshalGetFunc[T]()
}

func unmarshalGetFunc[T any]() func(v *viper.Viper) func(key string) T {
	return func(v *viper.Viper) func(key string) T {
		return func(key string) (t T) {
			err := v.UnmarshalKey(key, &t, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			)))
			if err != nil {
				slog.Warn("failed to unmarshal config key", "key", key, "err", err)
			}
			return t
		}
	}
}

// GetPath is a GetFunc for path-list values. Entries joined with the OS
// path-list separator are expanded into their component paths and empty
// entries are dropped.
func GetPath(v *viper.Viper) func(key string) []string {
	return func(key string) (paths []string) {
		for _, val := range v.GetStringSlice(key) {
			if val != "" {
				paths = append(paths, strings.Split(val, string(os.PathListSeparator))...)
			}
		}
		return paths
	}
}
