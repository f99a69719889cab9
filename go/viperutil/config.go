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

// Package viperutil provides typed, registry-scoped configuration values on
// top of viper. Values are registered against a Registry, bound to flags and
// environment variables, and resolved from an optional config file which can
// be watched for changes.
package viperutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig carries the values that control config-file loading itself:
// where to search, what the file is called, and what to do when it is
// missing.
type ViperConfig struct {
	configPaths                  Value[[]string]
	configType                   Value[string]
	configName                   Value[string]
	configFile                   Value[string]
	configFileNotFoundHandling   Value[ConfigFileNotFoundHandling]
	configPersistenceMinInterval Value[time.Duration]
}

func NewViperConfig(reg *Registry) *ViperConfig {
	vc := &ViperConfig{
		configPaths: Configure(
			reg,
			"config.paths",
			Options[[]string]{
				GetFunc:  GetPath,
				EnvVars:  []string{"STRATA_CONFIG_PATH"},
				FlagName: "config-path",
			},
		),
		configType: Configure(
			reg,
			"config.type",
			Options[string]{
				EnvVars:  []string{"STRATA_CONFIG_TYPE"},
				FlagName: "config-type",
			},
		),
		configName: Configure(
			reg,
			"config.name",
			Options[string]{
				Default:  "stratadb",
				EnvVars:  []string{"STRATA_CONFIG_NAME"},
				FlagName: "config-name",
			},
		),
		configFile: Configure(
			reg,
			"config.file",
			Options[string]{
				EnvVars:  []string{"STRATA_CONFIG_FILE"},
				FlagName: "config-file",
			},
		),
		configFileNotFoundHandling: Configure(
			reg,
			"config.notfound.handling",
			Options[ConfigFileNotFoundHandling]{
				Default:  WarnOnConfigFileNotFound,
				GetFunc:  getHandlingValue,
				FlagName: "config-file-not-found-handling",
			},
		),
		configPersistenceMinInterval: Configure(
			reg,
			"config.persistence.min_interval",
			Options[time.Duration]{
				Default:  time.Second,
				EnvVars:  []string{"STRATA_CONFIG_PERSISTENCE_MIN_INTERVAL"},
				FlagName: "config-persistence-min-interval",
			},
		),
	}

	// Search STRATA_HOME if set, otherwise the working directory.
	baseDir := os.Getenv("STRATA_HOME")
	if baseDir == "" {
		cur, err := os.Getwd()
		if err != nil {
			slog.Warn("failed to get working directory", "err", err)
			return vc
		}
		baseDir = cur
	}

	vc.configPaths.(*Static[[]string]).DefaultVal = []string{baseDir}
	// Need to re-trigger the SetDefault call done during Configure.
	reg.static.SetDefault(vc.configPaths.Key(), vc.configPaths.Default())
	return vc
}

// RegisterFlags installs the flags that control viper config-loading
// behavior. It must be called on the root command's flag set before parsing.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Directories to search for a config file.")
	fs.String("config-type", vc.configType.Default(), "Config file format; inferred from the file extension when omitted.")
	fs.String("config-name", vc.configName.Default(), "Base name (no extension) of the config file to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file to use; overrides --config-path, --config-type, and --config-name.")
	fs.Duration("config-persistence-min-interval", vc.configPersistenceMinInterval.Default(), "Minimum interval between writes of dynamic config changes back to disk; no write happens if nothing changed.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("What to do when no config file is found (one of: %s).", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling, vc.configPersistenceMinInterval)
}

// LoadConfig locates and reads the config file, if any, that viper-backed
// values resolve against.
//
// The search mirrors viper's own behavior [1]:
//   - --config-file names an exact file (with extension) and suppresses the
//     search entirely.
//   - --config-type must be given when the file's extension is not one
//     viper recognizes (.yaml, .yml, .json, and so on).
//
// When no file turns up in any search path, --config-file-not-found-handling
// decides between ignoring, warning, erroring, and exiting: a deployment may
// depend on its config file existing, or may run on flags and environment
// variables alone.
//
// On a successful load the dynamic registry starts watching the file, and
// in-memory changes to dynamic values are written back to disk no more often
// than --config-persistence-min-interval.
//
// The returned cancel function stops the write-back goroutine when one was
// started.
//
// [1]: https://github.com/spf13/viper#reading-config-files.
func (vc *ViperConfig) LoadConfig(reg *Registry) (context.CancelFunc, error) {
	var err error
	if file := vc.configFile.Get(); file != "" {
		// An explicit file wins over the search parameters.
		reg.static.SetConfigFile(file)
		err = reg.static.ReadInConfig()
	} else if name := vc.configName.Get(); name != "" {
		reg.static.SetConfigName(name)

		for _, path := range vc.configPaths.Get() {
			reg.static.AddConfigPath(path)
		}

		if cfgType := vc.configType.Get(); cfgType != "" {
			reg.static.SetConfigType(cfgType)
		}

		err = reg.static.ReadInConfig()
	}

	if err != nil {
		if isConfigFileNotFoundError(err) {
			msg := "failed to read in config %s: %s"
			switch vc.configFileNotFoundHandling.Get() {
			case WarnOnConfigFileNotFound:
				slog.Warn(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
				fallthrough // after warning, ignore the error
			case IgnoreConfigFileNotFound:
				return func() {}, nil
			case ErrorOnConfigFileNotFound:
				slog.Error(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
			case ExitOnConfigFileNotFound:
				slog.Error(fmt.Sprintf(msg, reg.static.ConfigFileUsed(), err.Error()))
				os.Exit(1)
			}
		}

		return nil, err
	}

	return reg.dynamic.Watch(context.Background(), reg.static, vc.configPersistenceMinInterval.Get())
}

// isConfigFileNotFoundError checks if the error is caused because the file
// wasn't found.
func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// NotifyConfigReload adds a subscription that the dynamic registry will
// attempt to notify on config changes. The notification fires after the
// updated config has been loaded from disk into the live config.
//
// Analogous to signal.Notify, notifications are sent non-blocking, so users
// should account for this when writing code to consume from the channel.
//
// This function must be called prior to LoadConfig; it will panic if called
// after the dynamic registry has started watching the loaded config.
func NotifyConfigReload(reg *Registry, ch chan<- struct{}) {
	reg.dynamic.Notify(ch)
}

// ConfigFileNotFoundHandling is an enum to control how LoadConfig treats
// errors of type viper.ConfigFileNotFoundError when loading a config.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound swallows the error silently; nothing is
	// even logged.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and carries on; config
	// values then come entirely from defaults, environment variables, and
	// flags.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound logs an error and returns the
	// ConfigFileNotFoundError to the caller.
	ErrorOnConfigFileNotFound
	// ExitOnConfigFileNotFound logs an error and exits the process.
	ExitOnConfigFileNotFound
)

var (
	handlingNames         []string
	handlingNamesToValues = map[string]ConfigFileNotFoundHandling{
		"ignore": IgnoreConfigFileNotFound,
		"warn":   WarnOnConfigFileNotFound,
		"error":  ErrorOnConfigFileNotFound,
		"exit":   ExitOnConfigFileNotFound,
	}
	handlingValuesToNames map[ConfigFileNotFoundHandling]string
)

// getHandlingValue builds the GetFunc for the handling enum, tolerating the
// enum itself, its integer value, or one of its names in the config source.
// Unparseable values fall back to ignore.
func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeHandlingValue))
	return func(key string) (h ConfigFileNotFoundHandling) {
		if err := v.UnmarshalKey(key, &h, hook); err != nil {
			h = IgnoreConfigFileNotFound
			slog.Warn(fmt.Sprintf("failed to unmarshal %s: %s; defaulting to %s", key, err.Error(), h.String()))
		}

		return h
	}
}

// decodeHandlingValue is the mapstructure hook behind getHandlingValue.
func decodeHandlingValue(from, to reflect.Type, data any) (any, error) {
	var h ConfigFileNotFoundHandling
	target := reflect.TypeOf(h)
	if to != target {
		return data, nil
	}

	switch {
	case from == target:
		return data.(ConfigFileNotFoundHandling), nil
	case from.Kind() == reflect.Int:
		return ConfigFileNotFoundHandling(data.(int)), nil
	case from.Kind() == reflect.String:
		if err := h.Set(data.(string)); err != nil {
			return h, err
		}

		return h, nil
	}

	return data, fmt.Errorf("invalid value for ConfigFileNotFoundHandling: %v", data)
}

func init() {
	handlingValuesToNames = make(map[ConfigFileNotFoundHandling]string, len(handlingNamesToValues))
	for name, val := range handlingNamesToValues {
		handlingValuesToNames[val] = name
	}
	handlingNames = slices.Sorted(maps.Keys(handlingNamesToValues))
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	v, ok := handlingNamesToValues[strings.ToLower(arg)]
	if !ok {
		return fmt.Errorf("unknown handling name %s", arg)
	}

	*h = v
	return nil
}

func (h *ConfigFileNotFoundHandling) String() string {
	if name, ok := handlingValuesToNames[*h]; ok {
		return name
	}

	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
