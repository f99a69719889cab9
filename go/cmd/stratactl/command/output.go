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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// render writes v to the command's stdout in the configured output format.
func (sc *StrataCtl) render(cmd *cobra.Command, v any) error {
	switch format := strings.ToLower(sc.output.Get()); format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal response to JSON: %w", err)
		}
		cmd.Println(string(data))
		return nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal response to YAML: %w", err)
		}
		cmd.Print(string(data))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}
