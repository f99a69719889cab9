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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratadb/stratadb-go/go/strata"
)

type queryOutput struct {
	Tag       string              `json:"tag" yaml:"tag"`
	Rows      []strata.ConceptRow `json:"rows,omitempty" yaml:"rows,omitempty"`
	Documents []strata.Document   `json:"documents,omitempty" yaml:"documents,omitempty"`
	Committed bool                `json:"committed" yaml:"committed"`
}

// AddQueryCommand adds the query subcommand
func AddQueryCommand(root *cobra.Command, sc *StrataCtl) {
	var (
		database     string
		kind         string
		noCommit     bool
		includeTypes bool
		prefetch     int32
	)

	cmd := &cobra.Command{
		Use:   "query [query text...]",
		Short: "Run a query inside a single transaction",
		Long: `Runs one query in a transaction of the requested kind and prints the
result. The query text is taken from the arguments, or from stdin when no
arguments are given.

Write and schema transactions commit on success unless --no-commit is set;
read transactions never commit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read query from stdin: %w", err)
				}
				query = strings.TrimSpace(string(data))
			}
			if query == "" {
				return errors.New("no query provided (pass it as arguments or on stdin)")
			}

			txnKind, err := parseTransactionKind(kind)
			if err != nil {
				return err
			}

			return sc.withDriver(cmd, func(ctx context.Context, d *strata.Driver) error {
				txn, err := d.Transaction(ctx, database, txnKind)
				if err != nil {
					return err
				}
				defer func() { _ = txn.Close() }()

				opts := strata.NewQueryOptions().
					SetIncludeInstanceTypes(includeTypes).
					SetPrefetchSize(prefetch)
				result, err := txn.Query(ctx, query, opts)
				if err != nil {
					return err
				}

				committed := false
				if txnKind != strata.Read && !noCommit {
					if err := txn.Commit(ctx); err != nil {
						return err
					}
					committed = true
				}

				return sc.render(cmd, queryOutput{
					Tag:       result.Tag,
					Rows:      result.Rows,
					Documents: result.Documents,
					Committed: committed,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&database, "database", "d", "", "Database to run the query against (required)")
	cmd.Flags().StringVarP(&kind, "kind", "k", "read", "Transaction kind (read, write, schema)")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "Roll the transaction back instead of committing")
	cmd.Flags().BoolVar(&includeTypes, "include-instance-types", false, "Annotate returned concepts with their type names")
	cmd.Flags().Int32Var(&prefetch, "prefetch", 0, "Number of rows streamed per chunk (0 uses the server default)")
	_ = cmd.MarkFlagRequired("database")

	root.AddCommand(cmd)
}

func parseTransactionKind(s string) (strata.TransactionKind, error) {
	switch strings.ToLower(s) {
	case "read":
		return strata.Read, nil
	case "write":
		return strata.Write, nil
	case "schema":
		return strata.Schema, nil
	default:
		return 0, fmt.Errorf("unknown transaction kind %q (want read, write, or schema)", s)
	}
}
