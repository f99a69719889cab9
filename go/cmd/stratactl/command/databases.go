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

	"github.com/spf13/cobra"

	"github.com/stratadb/stratadb-go/go/strata"
)

type databaseList struct {
	Databases []string `json:"databases" yaml:"databases"`
}

type databaseStatus struct {
	Database string `json:"database" yaml:"database"`
	Status   string `json:"status,omitempty" yaml:"status,omitempty"`
	Exists   *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
}

// AddDatabasesCommand adds the databases subcommand tree
func AddDatabasesCommand(root *cobra.Command, sc *StrataCtl) {
	databases := &cobra.Command{
		Use:     "databases",
		Aliases: []string{"db"},
		Short:   "Administer databases on the server",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				names, err := d.Databases().All(ctx)
				if err != nil {
					return err
				}
				return sc.render(cmd, databaseList{Databases: names})
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				if err := d.Databases().Create(ctx, args[0]); err != nil {
					return err
				}
				return sc.render(cmd, databaseStatus{Database: args[0], Status: "created"})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a database and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				if err := d.Databases().Delete(ctx, args[0]); err != nil {
					return err
				}
				return sc.render(cmd, databaseStatus{Database: args[0], Status: "deleted"})
			})
		},
	}

	exists := &cobra.Command{
		Use:   "exists <name>",
		Short: "Check whether a database exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				present, err := d.Databases().Contains(ctx, args[0])
				if err != nil {
					return err
				}
				return sc.render(cmd, databaseStatus{Database: args[0], Exists: &present})
			})
		},
	}

	schema := &cobra.Command{
		Use:   "schema <name>",
		Short: "Print a database's schema definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				text, err := d.Databases().Schema(ctx, args[0])
				if err != nil {
					return err
				}
				// Schema text is a document, not a structure; print it as-is.
				cmd.Println(text)
				return nil
			})
		},
	}

	databases.AddCommand(list, create, del, exists, schema)
	root.AddCommand(databases)
}
