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
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratadb/stratadb-go/go/strata"
)

type pingStatus struct {
	Server  string `json:"server" yaml:"server"`
	Status  string `json:"status" yaml:"status"`
	Latency string `json:"latency" yaml:"latency"`
}

// AddPingCommand adds the ping subcommand
func AddPingCommand(root *cobra.Command, sc *StrataCtl) {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity and authentication against the server",
		Long:  "Opens an authenticated connection to the configured server and round-trips a liveness check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				started := time.Now()
				if err := d.Ping(ctx); err != nil {
					return err
				}

				return sc.render(cmd, pingStatus{
					Server:  sc.address.Get(),
					Status:  "ok",
					Latency: time.Since(started).Round(time.Microsecond).String(),
				})
			})
		},
	}

	root.AddCommand(cmd)
}
