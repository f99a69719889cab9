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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigHandlingValue(t *testing.T) {
	v := viper.New()
	v.SetDefault("default", ExitOnConfigFileNotFound)
	v.SetConfigType("yaml")

	cfg := `
foo: 2
bar: "2" # not valid, defaults to "ignore" (0)
baz: error
duration: 10h
`
	err := v.ReadConfig(strings.NewReader(strings.NewReplacer("\t", "  ").Replace(cfg)))
	require.NoError(t, err)

	getHandlingValueFunc := getHandlingValue(v)
	assert.Equal(t, ErrorOnConfigFileNotFound, getHandlingValueFunc("foo"), "failed to get int value")
	assert.Equal(t, IgnoreConfigFileNotFound, getHandlingValueFunc("bar"), "failed to get int-like string value")
	assert.Equal(t, ErrorOnConfigFileNotFound, getHandlingValueFunc("baz"), "failed to get string value")
	assert.Equal(t, IgnoreConfigFileNotFound, getHandlingValueFunc("notset"), "failed to get value on unset key")
	assert.Equal(t, IgnoreConfigFileNotFound, getHandlingValueFunc("duration"), "failed to get value on duration key")
	assert.Equal(t, ExitOnConfigFileNotFound, getHandlingValueFunc("default"), "failed to get value on default key")
}

// TestLoadConfig tests that LoadConfig behaves in the way expected when the
// config file doesn't exist.
func TestLoadConfig(t *testing.T) {
	t.Run("ignore file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(IgnoreConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("ignore file not found error from config name", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("")
		vc.configName.Set("notfound")
		vc.configFileNotFoundHandling.Set(IgnoreConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("warn file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(WarnOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("warn file not found error from config name", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("")
		vc.configName.Set("notfound")
		vc.configFileNotFoundHandling.Set(WarnOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("error file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(ErrorOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.Error(t, err)
	})

	t.Run("error file not found error from config name", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("")
		vc.configName.Set("notfound")
		vc.configFileNotFoundHandling.Set(ErrorOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.Error(t, err)
	})
}

func TestStaticValueSources(t *testing.T) {
	reg := NewRegistry()
	address := Configure(reg, "address", Options[string]{
		Default:  "localhost:1729",
		EnvVars:  []string{"STRATA_TEST_ADDRESS"},
		FlagName: "address",
	})
	timeout := Configure(reg, "timeout", Options[time.Duration]{
		Default:  30 * time.Second,
		FlagName: "timeout",
	})

	assert.Equal(t, "localhost:1729", address.Get(), "default not served")
	assert.Equal(t, 30*time.Second, timeout.Get())

	t.Setenv("STRATA_TEST_ADDRESS", "env-host:1729")
	assert.Equal(t, "env-host:1729", address.Get(), "env var not served")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("address", address.Default(), "")
	fs.Duration("timeout", timeout.Default(), "")
	BindFlags(fs, address, timeout)

	require.NoError(t, fs.Parse([]string{"--address", "flag-host:1729", "--timeout", "5s"}))
	assert.Equal(t, "flag-host:1729", address.Get(), "changed flag must beat env var")
	assert.Equal(t, 5*time.Second, timeout.Get())

	address.Set("set-host:1729")
	assert.Equal(t, "set-host:1729", address.Get(), "explicit Set must beat everything")
}

func TestBindFlagsUnknownFlagPanics(t *testing.T) {
	reg := NewRegistry()
	val := Configure(reg, "missing", Options[string]{FlagName: "missing"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.Panics(t, func() { BindFlags(fs, val) })
}

func TestGetFuncForTypeFallback(t *testing.T) {
	type endpoint struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	}

	reg := NewRegistry()
	val := Configure(reg, "endpoint", Options[endpoint]{})

	reg.static.Set("endpoint", map[string]any{"host": "10.0.0.1", "port": 1729})
	assert.Equal(t, endpoint{Host: "10.0.0.1", Port: 1729}, val.Get())
}

func TestGetPath(t *testing.T) {
	v := viper.New()
	sep := string(os.PathListSeparator)
	v.Set("paths", []string{"a" + sep + "b", "", "c"})

	assert.Equal(t, []string{"a", "b", "c"}, GetPath(v)("paths"))
}

func TestDynamicValueSet(t *testing.T) {
	reg := NewRegistry()
	level := Configure(reg, "log-level", Options[string]{
		Default: "info",
		Dynamic: true,
	})

	assert.Equal(t, "info", level.Get())
	level.Set("debug")
	assert.Equal(t, "debug", level.Get())
}

func TestWatchedConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "stratadb.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log-level: warn\naddress: file-host:1729\n"), 0o644))

	reg := NewRegistry()
	level := Configure(reg, "log-level", Options[string]{
		Default: "info",
		Dynamic: true,
	})
	address := Configure(reg, "address", Options[string]{
		Default: "localhost:1729",
	})
	vc := NewViperConfig(reg)
	vc.configFile.Set(cfgFile)

	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	t.Cleanup(cancel)

	// Both registries see the file's contents; the dynamic one is now also
	// watching it.
	assert.Equal(t, "file-host:1729", address.Get())
	assert.Equal(t, "warn", level.Get())

	// In-memory writes to dynamic values are persisted back to the file.
	level.Set("debug")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfgFile)
		return err == nil && strings.Contains(string(data), "debug")
	}, 5*time.Second, 10*time.Millisecond, "dynamic set was not persisted")

	// Reload subscriptions cannot be added once the watch has started.
	require.Panics(t, func() { NotifyConfigReload(reg, make(chan struct{})) })
}

func TestRegistryCombined(t *testing.T) {
	reg := NewRegistry()
	Configure(reg, "address", Options[string]{Default: "localhost:1729"})
	level := Configure(reg, "log-level", Options[string]{Default: "info", Dynamic: true})
	level.Set("error")

	combined := reg.Combined()
	assert.Equal(t, "localhost:1729", combined.GetString("address"))
	assert.Equal(t, "error", combined.GetString("log-level"))
}
