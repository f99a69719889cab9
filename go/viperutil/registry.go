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
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each command creates its own registry, so configuration state is never
// shared between command instances (or between tests).
//
// Static registry values never change after LoadConfig is called.
// Dynamic registry values can be updated by watching a config file for changes.
type Registry struct {
	// static holds values fixed at startup. A watched config file never
	// touches them; whatever they resolve to at load time is what they
	// stay for the life of the process.
	static *viper.Viper

	// dynamic holds values that track the config file. When a file is
	// loaded, a threadsafe wrapper around a second viper watches it, and
	// values registered here see every subsequent change.
	dynamic *syncViper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	address := viperutil.Configure(reg, "address", viperutil.Options[string]{
//	    Default:  "localhost:1729",
//	    FlagName: "address",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: newSyncViper(),
	}
}

// Combined returns a viper instance combining the static and dynamic
// registries. This is useful for rendering the full effective configuration.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}
