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
	"github.com/stratadb/stratadb-go/go/viperutil"
)

// StrataCtl holds the configuration shared by all stratactl commands.
type StrataCtl struct {
	reg *viperutil.Registry
	vc  *viperutil.ViperConfig
	lg  *Logger

	address   viperutil.Value[string]
	username  viperutil.Value[string]
	password  viperutil.Value[string]
	tls       viperutil.Value[bool]
	tlsRootCA viperutil.Value[string]
	timeout   viperutil.Value[time.Duration]
	output    viperutil.Value[string]
}

// GetRootCommand creates and returns the root command for stratactl with all
// subcommands.
func GetRootCommand() (*cobra.Command, *StrataCtl) {
	reg := viperutil.NewRegistry()
	sc := &StrataCtl{
		reg: reg,
		address: viperutil.Configure(reg, "address", viperutil.Options[string]{
			Default:  "localhost:1729",
			EnvVars:  []string{"STRATA_ADDRESS"},
			FlagName: "address",
		}),
		username: viperutil.Configure(reg, "username", viperutil.Options[string]{
			Default:  "admin",
			EnvVars:  []string{"STRATA_USERNAME"},
			FlagName: "username",
		}),
		password: viperutil.Configure(reg, "password", viperutil.Options[string]{
			Default:  "",
			EnvVars:  []string{"STRATA_PASSWORD"},
			FlagName: "password",
		}),
		tls: viperutil.Configure(reg, "tls", viperutil.Options[bool]{
			Default:  false,
			FlagName: "tls",
		}),
		tlsRootCA: viperutil.Configure(reg, "tls-root-ca", viperutil.Options[string]{
			Default:  "",
			EnvVars:  []string{"STRATA_TLS_ROOT_CA"},
			FlagName: "tls-root-ca",
		}),
		timeout: viperutil.Configure(reg, "timeout", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: "timeout",
		}),
		output: viperutil.Configure(reg, "output", viperutil.Options[string]{
			Default:  "json",
			FlagName: "output",
		}),
		vc: viperutil.NewViperConfig(reg),
	}
	sc.lg = NewLogger(reg)

	root := &cobra.Command{
		Use:   "stratactl",
		Short: "The command-line companion for StrataDB servers",
		Long: `stratactl talks to a StrataDB server over the driver: check liveness,
administer databases, and run ad-hoc queries.

Get started with:
  stratactl ping                      # Verify the server is reachable
  stratactl databases create orders   # Create a database
  stratactl query -d orders -k write "insert $x isa person;"

Configuration:
  Every flag can also be set in a config file. stratactl searches for a file
  named 'stratadb' with a supported extension (.yaml, .yml, .json, .toml) in
  the directories given by --config-path, or loads --config-file directly.
  Connection settings can come from the STRATA_ADDRESS, STRATA_USERNAME, and
  STRATA_PASSWORD environment variables.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Silence usage for application errors, but allow it for flag
			// errors. This runs after flag parsing, so flag errors still
			// show usage.
			cmd.SilenceUsage = true

			if _, err := sc.vc.LoadConfig(sc.reg); err != nil {
				return err
			}

			// After LoadConfig so a config file can set the log level.
			sc.lg.SetupLogging()
			return nil
		},
	}

	root.PersistentFlags().StringP("address", "a", sc.address.Default(), "Host:port of the StrataDB server")
	root.PersistentFlags().StringP("username", "u", sc.username.Default(), "Username to authenticate as")
	root.PersistentFlags().String("password", sc.password.Default(), "Password to authenticate with")
	root.PersistentFlags().Bool("tls", sc.tls.Default(), "Encrypt the connection with TLS")
	root.PersistentFlags().String("tls-root-ca", sc.tlsRootCA.Default(), "Path to a PEM bundle of root CAs to verify the server against (system roots when empty)")
	root.PersistentFlags().DurationP("timeout", "t", sc.timeout.Default(), "Timeout for driver operations")
	root.PersistentFlags().StringP("output", "o", sc.output.Default(), "Output format (json, yaml)")
	sc.vc.RegisterFlags(root.PersistentFlags())
	sc.lg.RegisterFlags(root.PersistentFlags())

	viperutil.BindFlags(root.PersistentFlags(),
		sc.address,
		sc.username,
		sc.password,
		sc.tls,
		sc.tlsRootCA,
		sc.timeout,
		sc.output,
	)

	// Add all subcommands
	AddPingCommand(root, sc)
	AddDatabasesCommand(root, sc)
	AddQueryCommand(root, sc)
	AddConfigCommand(root, sc)

	return root, sc
}

// commandContext bounds a command run with the configured timeout.
func (sc *StrataCtl) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), sc.timeout.Get())
}

// openDriver dials the configured server with the global connection flags.
func (sc *StrataCtl) openDriver(ctx context.Context) (*strata.Driver, error) {
	opts, err := strata.NewDriverOptions(sc.tls.Get(), sc.tlsRootCA.Get())
	if err != nil {
		return nil, err
	}
	opts.ConnectTimeout = sc.timeout.Get()

	creds := strata.NewCredentials(sc.username.Get(), sc.password.Get())
	return strata.Open(ctx, sc.address.Get(), creds, opts)
}

// withDriver runs fn against a freshly dialed driver and closes it after.
func (sc *StrataCtl) withDriver(cmd *cobra.Command, fn func(ctx context.Context, d *strata.Driver) error) error {
	ctx, cancel := sc.commandContext(cmd)
	defer cancel()

	d, err := sc.openDriver(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return fn(ctx, d)
}
