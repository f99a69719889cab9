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

package fakestratadb

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratadb/stratadb-go/go/stprotocol/client"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

func connectTo(t *testing.T, s *Server) *client.Conn {
	t.Helper()
	conn, err := client.Connect(t.Context(), s.ClientConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// decodeDocument decodes one data frame the way the driver does, with loose
// typing so numbers come out as int64.
func decodeDocument(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	dec.UseLooseInterfaceDecoding(true)
	var doc map[string]any
	require.NoError(t, dec.Decode(&doc))
	return doc
}

func TestFakeServerPingAndDatabaseOps(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Ping(ctx))

	// Empty catalog.
	resp, err := conn.DatabaseOp(ctx, protocol.DatabaseOpList, "")
	require.NoError(t, err)
	require.Len(t, resp.Frames, 1)
	var names []string
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &names))
	assert.Empty(t, names)

	// Create and observe.
	_, err = conn.DatabaseOp(ctx, protocol.DatabaseOpCreate, "orders")
	require.NoError(t, err)

	resp, err = conn.DatabaseOp(ctx, protocol.DatabaseOpList, "")
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &names))
	assert.Equal(t, []string{"orders"}, names)

	resp, err = conn.DatabaseOp(ctx, protocol.DatabaseOpContains, "orders")
	require.NoError(t, err)
	var exists bool
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &exists))
	assert.True(t, exists)

	resp, err = conn.DatabaseOp(ctx, protocol.DatabaseOpContains, "missing")
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &exists))
	assert.False(t, exists)

	// Fresh databases have an empty schema.
	resp, err = conn.DatabaseOp(ctx, protocol.DatabaseOpSchema, "orders")
	require.NoError(t, err)
	var schema string
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &schema))
	assert.Empty(t, schema)

	// Duplicate create and missing delete are catalog errors.
	_, err = conn.DatabaseOp(ctx, protocol.DatabaseOpCreate, "orders")
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeDatabase, serverErr.Code)

	_, err = conn.DatabaseOp(ctx, protocol.DatabaseOpDelete, "missing")
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeDatabase, serverErr.Code)

	// Delete for real.
	_, err = conn.DatabaseOp(ctx, protocol.DatabaseOpDelete, "orders")
	require.NoError(t, err)
	resp, err = conn.DatabaseOp(ctx, protocol.DatabaseOpList, "")
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(resp.Frames[0], &names))
	assert.Empty(t, names)
}

func TestFakeServerStagingVisibleAfterCommit(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	writer := connectTo(t, s)
	reader := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, writer.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))
	for range 2 {
		_, err := writer.Query(ctx, uuid.New(), "insert $x isa person;", false, 0)
		require.NoError(t, err)
	}

	// The writer sees its own staged inserts.
	resp, err := writer.Query(ctx, uuid.New(), "match $x isa person; count;", false, 0)
	require.NoError(t, err)
	require.Len(t, resp.Frames, 1)
	assert.EqualValues(t, 2, decodeDocument(t, resp.Frames[0])["count"])

	// Another session does not, until commit.
	require.NoError(t, reader.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))
	resp, err = reader.Query(ctx, uuid.New(), "match $x isa person; count;", false, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, decodeDocument(t, resp.Frames[0])["count"])
	require.NoError(t, reader.CloseTxn(ctx))

	require.NoError(t, writer.Commit(ctx))
	assert.Equal(t, 2, s.InstanceCount("orders", "person"))

	require.NoError(t, reader.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))
	resp, err = reader.Query(ctx, uuid.New(), "match $x isa person; count;", false, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, decodeDocument(t, resp.Frames[0])["count"])
	require.NoError(t, reader.CloseTxn(ctx))
}

func TestFakeServerRollbackDiscardsStaging(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))
	_, err := conn.Query(ctx, uuid.New(), "insert $x isa person;", false, 0)
	require.NoError(t, err)
	require.NoError(t, conn.Rollback(ctx))

	assert.Equal(t, 0, s.InstanceCount("orders", "person"))
	assert.Equal(t, protocol.StatusIdle, conn.Status())
}

func TestFakeServerMatchRows(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")
	s.SeedInstances("orders", "person", 3)

	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))

	resp, err := conn.Query(ctx, uuid.New(), "match $p isa person;", true, 0)
	require.NoError(t, err)
	require.Len(t, resp.Frames, 3)
	assert.Equal(t, "MATCH 3", resp.Tag)

	row := decodeDocument(t, resp.Frames[0])
	concept, ok := row["p"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0x1", concept["iid"])
	assert.Equal(t, "person", concept["type"])

	// Without instance types, the type annotation is omitted.
	resp, err = conn.Query(ctx, uuid.New(), "match $p isa person;", false, 0)
	require.NoError(t, err)
	concept, ok = decodeDocument(t, resp.Frames[0])["p"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, concept, "type")
}

func TestFakeServerPrefetchChunking(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")
	s.SeedInstances("orders", "person", 5)

	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))

	// Chunked streaming is invisible to the client: all frames arrive.
	resp, err := conn.Query(ctx, uuid.New(), "match $p isa person;", false, 2)
	require.NoError(t, err)
	assert.Len(t, resp.Frames, 5)
	assert.Equal(t, "MATCH 5", resp.Tag)
}

func TestFakeServerWriteInReadTransaction(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))
	_, err := conn.Query(ctx, uuid.New(), "insert $x isa person;", false, 0)

	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeQuery, serverErr.Code)

	// The transaction survives the failed query.
	_, err = conn.Query(ctx, uuid.New(), "match $x isa person; count;", false, 0)
	require.NoError(t, err)
}

func TestFakeServerSchemaDefinitions(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	conn := connectTo(t, s)
	ctx := t.Context()

	// Definitions are rejected outside schema transactions.
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))
	_, err := conn.Query(ctx, uuid.New(), "define person sub entity;", false, 0)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeQuery, serverErr.Code)
	require.NoError(t, conn.Rollback(ctx))

	// In a schema transaction they stage and apply on commit.
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindSchema, 0, 0))
	_, err = conn.Query(ctx, uuid.New(), "define person sub entity;", false, 0)
	require.NoError(t, err)
	_, err = conn.Query(ctx, uuid.New(), "define name sub attribute;", false, 0)
	require.NoError(t, err)
	assert.Empty(t, s.SchemaText("orders"))

	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, "define person sub entity;\ndefine name sub attribute;", s.SchemaText("orders"))
}

func TestFakeServerSchemaLockConflict(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	writer := connectTo(t, s)
	schema := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, writer.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))

	// A schema transaction cannot start while a write is open.
	err := schema.Begin(ctx, "orders", protocol.TxnKindSchema, 0, 50*time.Millisecond)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeTransaction, serverErr.Code)
	assert.Contains(t, serverErr.Message, "schema lock")

	// Once the write finishes, admission succeeds.
	require.NoError(t, writer.Commit(ctx))
	require.NoError(t, schema.Begin(ctx, "orders", protocol.TxnKindSchema, 0, time.Second))

	// And the schema lock now blocks writes.
	err = writer.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 50*time.Millisecond)
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeTransaction, serverErr.Code)

	require.NoError(t, schema.Rollback(ctx))
}

func TestFakeServerDisconnectReleasesLock(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	holder := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, holder.Begin(ctx, "orders", protocol.TxnKindSchema, 0, 0))
	require.NoError(t, holder.Close())

	// The dropped session's lock is released; a new schema transaction is
	// admitted within the default lock wait.
	conn := connectTo(t, s)
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindSchema, 0, time.Second))
	require.NoError(t, conn.Rollback(ctx))
}

func TestFakeServerCommitRejection(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")
	s.RejectNextCommit("commit conflict: please retry")

	conn := connectTo(t, s)
	ctx := t.Context()

	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))
	_, err := conn.Query(ctx, uuid.New(), "insert $x isa person;", false, 0)
	require.NoError(t, err)

	err = conn.Commit(ctx)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeTransaction, serverErr.Code)
	assert.Contains(t, serverErr.Message, "commit conflict")

	// The rejected transaction was consumed and its staging discarded.
	assert.Equal(t, protocol.StatusIdle, conn.Status())
	assert.Equal(t, 0, s.InstanceCount("orders", "person"))

	// The next transaction commits normally.
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindWrite, 0, 0))
	_, err = conn.Query(ctx, uuid.New(), "insert $x isa person;", false, 0)
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, 1, s.InstanceCount("orders", "person"))
}

func TestFakeServerCannedQueries(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	s.AddQuery("match $x isa widget; get;", MakeRowResult([]map[string]any{
		{"x": map[string]any{"iid": "0xaa"}},
		{"x": map[string]any{"iid": "0xbb"}},
	}))
	s.AddQueryPattern("match .* limit \\d+;", MakeDocumentResult([]map[string]any{
		{"total": 7},
	}))
	s.AddRejectedQuery("match $broken isa nothing;", errors.New("simulated failure"))

	conn := connectTo(t, s)
	ctx := t.Context()
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))

	// Exact match.
	resp, err := conn.Query(ctx, uuid.New(), "match $x isa widget; get;", false, 0)
	require.NoError(t, err)
	assert.Len(t, resp.Frames, 2)
	assert.Equal(t, "MATCH 2", resp.Tag)

	// Pattern match.
	resp, err = conn.Query(ctx, uuid.New(), "match $y isa gadget; limit 10;", false, 0)
	require.NoError(t, err)
	require.Len(t, resp.Frames, 1)
	assert.EqualValues(t, 7, decodeDocument(t, resp.Frames[0])["total"])
	assert.Equal(t, 1, s.GetPatternCalledNum("match .* limit \\d+;"))

	// Rejected query.
	_, err = conn.Query(ctx, uuid.New(), "match $broken isa nothing;", false, 0)
	require.Error(t, err)

	// Unknown query fails with a query error...
	_, err = conn.Query(ctx, uuid.New(), "made up query", false, 0)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeQuery, serverErr.Code)

	// ...unless neverFail is set.
	s.SetNeverFail(true)
	resp, err = conn.Query(ctx, uuid.New(), "made up query", false, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Frames)

	assert.Equal(t, 1, s.GetQueryCalledNum("match $x isa widget; get;"))
	assert.Contains(t, s.QueryLog(), "match $x isa widget; get;")
	s.ResetQueryLog()
	assert.Empty(t, s.QueryLog())
}

func TestFakeServerOrderedQueries(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")
	s.OrderMatters()

	s.AddExpectedQueryResult(ExpectedQuery{
		Query:       "match $a isa a;",
		QueryResult: MakeRowResult([]map[string]any{{"a": map[string]any{"iid": "0x1"}}}),
	})
	s.AddExpectedQuery("match $b isa b;", nil)
	s.AddExpectedQueryResult(ExpectedQuery{
		Query: "match $c isa c*",
		Error: errors.New("canned error"),
	})

	conn := connectTo(t, s)
	ctx := t.Context()
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))

	resp, err := conn.Query(ctx, uuid.New(), "match $a isa a;", false, 0)
	require.NoError(t, err)
	assert.Len(t, resp.Frames, 1)

	resp, err = conn.Query(ctx, uuid.New(), "match $b isa b;", false, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Frames)

	// Prefix wildcard matching.
	_, err = conn.Query(ctx, uuid.New(), "match $c isa cheese;", false, 0)
	require.Error(t, err)

	s.VerifyAllExecutedOrFail()
}

func TestFakeServerQueryOutsideTransaction(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	conn := connectTo(t, s)
	_, err := conn.Query(t.Context(), uuid.New(), "match $x isa person;", false, 0)

	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeState, serverErr.Code)
}

func TestFakeServerBeginErrors(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddDatabase("orders")

	conn := connectTo(t, s)
	ctx := t.Context()

	// Unknown database.
	err := conn.Begin(ctx, "missing", protocol.TxnKindRead, 0, 0)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeTransaction, serverErr.Code)

	// Nested transaction.
	require.NoError(t, conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0))
	err = conn.Begin(ctx, "orders", protocol.TxnKindRead, 0, 0)
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeTransaction, serverErr.Code)
}

func TestFakeServerAddUser(t *testing.T) {
	s := New(t)
	t.Cleanup(s.Close)
	s.AddUser("alice", "wonderland")

	cfg := s.ClientConfig()
	cfg.User = "alice"
	cfg.Password = "wonderland"
	conn, err := client.Connect(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Ping(t.Context()))
	require.NoError(t, conn.Close())
}
