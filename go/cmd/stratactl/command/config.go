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

package command

import (
	"github.com/spf13/cobra"
)

type configOutput struct {
	ConfigFile string         `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	Settings   map[string]any `json:"settings" yaml:"settings"`
}

// AddConfigCommand adds the config subcommand
func AddConfigCommand(root *cobra.Command, sc *StrataCtl) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Prints the combined configuration from defaults, environment variables,
flags, and any loaded config file, after all of them have been resolved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			combined := sc.reg.Combined()
			return sc.render(cmd, configOutput{
				ConfigFile: combined.ConfigFileUsed(),
				Settings:   combined.AllSettings(),
			})
		},
	}

	root.AddCommand(cmd)
}
