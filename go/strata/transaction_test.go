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

package strata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb-go/go/fakestratadb"
)

func TestTransactionAccessors(t *testing.T) {
	d, srv := openTestDriver(t)
	srv.AddDatabase("orders")

	txn, err := d.Transaction(t.Context(), "orders", Write)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	assert.Equal(t, "orders", txn.Database())
	assert.Equal(t, Write, txn.Kind())
	assert.True(t, txn.IsOpen())
}

func TestTransactionCommitIsTerminal(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	_, err = txn.Query(ctx, "insert $x isa person;")
	require.NoError(t, err)

	require.NoError(t, txn.Commit(ctx))
	assert.False(t, txn.IsOpen())
	assert.Equal(t, 1, srv.InstanceCount("orders", "person"))

	// Every further operation respects the terminal state.
	_, err = txn.Query(ctx, "match $x isa person;")
	assert.True(t, errors.Is(err, ErrState))

	_, err = txn.QueryAsync("match $x isa person;")
	assert.True(t, errors.Is(err, ErrState))

	err = txn.Commit(ctx)
	assert.True(t, errors.Is(err, ErrState))

	// Rollback after a successful commit is rejected.
	err = txn.Rollback(ctx)
	assert.True(t, errors.Is(err, ErrState))

	// Close after commit is an idempotent no-op.
	require.NoError(t, txn.Close())
	require.NoError(t, txn.Close())
}

func TestTransactionRollbackDiscards(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	_, err = txn.Query(ctx, "insert $x isa person;")
	require.NoError(t, err)

	require.NoError(t, txn.Rollback(ctx))
	assert.False(t, txn.IsOpen())
	assert.Zero(t, srv.InstanceCount("orders", "person"))

	// Rolling back again is a no-op; committing is a state error.
	require.NoError(t, txn.Rollback(ctx))
	assert.True(t, errors.Is(txn.Commit(ctx), ErrState))
	require.NoError(t, txn.Close())
}

func TestTransactionCloseIsImplicitRollback(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	_, err = txn.Query(ctx, "insert $x isa person;")
	require.NoError(t, err)

	require.NoError(t, txn.Close())
	assert.False(t, txn.IsOpen())
	assert.Zero(t, srv.InstanceCount("orders", "person"))

	require.NoError(t, txn.Close())
}

func TestTransactionCommitRejected(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")
	srv.RejectNextCommit("commit conflict: please retry")

	txn, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	_, err = txn.Query(ctx, "insert $x isa person;")
	require.NoError(t, err)

	err = txn.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransaction))

	// A failed commit closes the transaction; the staged work is gone and
	// rollback becomes an allowed no-op.
	assert.False(t, txn.IsOpen())
	assert.Zero(t, srv.InstanceCount("orders", "person"))
	require.NoError(t, txn.Rollback(ctx))
	require.NoError(t, txn.Close())

	// The caller retries with a fresh transaction.
	retry, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	_, err = retry.Query(ctx, "insert $x isa person;")
	require.NoError(t, err)
	require.NoError(t, retry.Commit(ctx))
	assert.Equal(t, 1, srv.InstanceCount("orders", "person"))
}

func TestTransactionFailedQueryKeepsTransactionOpen(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Read)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	// Writes are rejected in a read transaction, but the transaction and
	// its connection survive the failure.
	_, err = txn.Query(ctx, "insert $x isa person;")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuery))
	assert.True(t, txn.IsOpen())

	result, err := txn.Query(ctx, "match $x isa person; count;")
	require.NoError(t, err)
	n, err := result.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransactionAsyncFIFO(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")
	srv.OrderMatters()

	queries := []string{
		"insert $a isa first;",
		"insert $b isa second;",
		"insert $c isa third;",
		"insert $d isa fourth;",
	}
	for _, q := range queries {
		srv.AddExpectedQuery(q, nil)
	}

	txn, err := d.Transaction(ctx, "orders", Write)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	// Submission order is execution order; the server fails the test on
	// any out-of-order arrival.
	futures := make([]*Future, 0, len(queries))
	for _, q := range queries {
		f, err := txn.QueryAsync(q)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Resolve(ctx)
		require.NoError(t, err)
	}

	srv.VerifyAllExecutedOrFail()
}

func TestTransactionAbortQueuedQuery(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")
	srv.AddQueryPatternWithCallback("slow .*",
		fakestratadb.MakeDocumentResult([]map[string]any{{"ok": true}}),
		func(string) { time.Sleep(200 * time.Millisecond) })

	txn, err := d.Transaction(ctx, "orders", Read)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	inflight, err := txn.QueryAsync("slow query")
	require.NoError(t, err)
	queued, err := txn.QueryAsync("match $x isa person; count;")
	require.NoError(t, err)

	// Abort while the entry is still queued behind the slow query: it is
	// never sent to the server.
	queued.Abort()

	_, err = inflight.Resolve(ctx)
	require.NoError(t, err)

	_, err = queued.Resolve(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrState))
	assert.Zero(t, srv.GetQueryCalledNum("match $x isa person; count;"))
}

func TestTransactionResolveContextCancelAborts(t *testing.T) {
	d, srv := openTestDriver(t)
	srv.AddDatabase("orders")
	srv.AddQueryPatternWithCallback("slow .*",
		fakestratadb.MakeDocumentResult([]map[string]any{{"ok": true}}),
		func(string) { time.Sleep(200 * time.Millisecond) })

	txn, err := d.Transaction(t.Context(), "orders", Read)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	future, err := txn.QueryAsync("slow fetch")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = future.Resolve(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuery))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The abandoned result is discarded; the transaction stays usable.
	result, err := txn.Query(t.Context(), "match $x isa person; count;")
	require.NoError(t, err)
	n, err := result.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransactionDoubleResolve(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Read)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	future, err := txn.QueryAsync("match $x isa person; count;")
	require.NoError(t, err)

	_, err = future.Resolve(ctx)
	require.NoError(t, err)

	_, err = future.Resolve(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrState))
}

func TestTransactionQueryOptions(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")
	srv.SeedInstances("orders", "person", 5)

	txn, err := d.Transaction(ctx, "orders", Read)
	require.NoError(t, err)
	defer func() { _ = txn.Close() }()

	// Negative prefetch is rejected before anything is sent.
	_, err = txn.Query(ctx, "match $p isa person;", NewQueryOptions().SetPrefetchSize(-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	// Chunked streaming is transparent: all rows arrive.
	result, err := txn.Query(ctx, "match $p isa person;", NewQueryOptions().SetPrefetchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 5, result.RowCount())

	// Instance types are annotated only on request.
	result, err = txn.Query(ctx, "match $p isa person;", NewQueryOptions().SetIncludeInstanceTypes(true))
	require.NoError(t, err)
	concept, ok := result.Rows[0]["p"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "person", concept["type"])

	result, err = txn.Query(ctx, "match $p isa person;")
	require.NoError(t, err)
	concept, ok = result.Rows[0]["p"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, concept, "type")
}

func TestTransactionSchemaDefinition(t *testing.T) {
	d, _ := openTestDriver(t)
	ctx := t.Context()

	require.NoError(t, d.Databases().Create(ctx, "orders"))

	txn, err := d.Transaction(ctx, "orders", Schema)
	require.NoError(t, err)

	result, err := txn.Query(ctx, "define person sub entity;")
	require.NoError(t, err)
	assert.True(t, result.IsOK())
	assert.Equal(t, "DEFINE", result.Tag)

	require.NoError(t, txn.Commit(ctx))

	schema, err := d.Databases().Schema(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "define person sub entity;", schema)
}

func TestTransactionReadCommitNoOp(t *testing.T) {
	d, srv := openTestDriver(t)
	ctx := t.Context()
	srv.AddDatabase("orders")

	txn, err := d.Transaction(ctx, "orders", Read)
	require.NoError(t, err)

	_, err = txn.Query(ctx, "match $x isa person; count;")
	require.NoError(t, err)

	// Committing a read transaction succeeds as a no-op.
	require.NoError(t, txn.Commit(ctx))
	assert.False(t, txn.IsOpen())
}
