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
	"context"
	"time"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
	"github.com/stratadb/stratadb-go/go/stprotocol/server"
)

// fakeHandler implements server.Handler against the fake server's catalog
// and staging engine. The per-connection transaction lives in the
// connection state.
type fakeHandler struct {
	server *Server
}

// HandlePing handles a liveness check.
func (h *fakeHandler) HandlePing(ctx context.Context, conn *server.Conn) error {
	return nil
}

// HandleDatabaseOp handles a catalog operation.
func (h *fakeHandler) HandleDatabaseOp(ctx context.Context, conn *server.Conn, op byte, name string) (*server.Result, error) {
	return h.server.handleDatabaseOp(op, name)
}

// HandleBegin opens a transaction and pins it to the connection.
func (h *fakeHandler) HandleBegin(ctx context.Context, conn *server.Conn, database string, kind byte, timeout, schemaLockTimeout time.Duration) error {
	if conn.GetConnectionState() != nil {
		return server.NewError(protocol.CodeTransaction, "transaction already in progress")
	}

	sess, err := h.server.beginSession(ctx, database, kind, schemaLockTimeout)
	if err != nil {
		return err
	}

	conn.SetConnectionState(sess)
	conn.SetStatus(protocol.StatusInTxn)
	return nil
}

// HandleQuery executes a query inside the connection's transaction. Results
// are streamed in chunks of the request's prefetch size.
func (h *fakeHandler) HandleQuery(ctx context.Context, conn *server.Conn, req *server.QueryRequest, callback func(ctx context.Context, result *server.Result) error) error {
	sess, _ := conn.GetConnectionState().(*session)
	if sess == nil {
		return server.NewError(protocol.CodeState, "no open transaction")
	}

	result, err := h.server.execute(sess, req)
	if err != nil {
		return err
	}
	if result == nil {
		result = &server.Result{Tag: "MATCH 0"}
	}

	chunk := int(req.PrefetchSize)
	if chunk <= 0 || chunk >= len(result.Frames) {
		return callback(ctx, result)
	}

	// Stream the frames in prefetch-sized chunks, tag on the last.
	for start := 0; start < len(result.Frames); start += chunk {
		end := min(start+chunk, len(result.Frames))
		part := &server.Result{Frames: result.Frames[start:end]}
		if end == len(result.Frames) {
			part.Tag = result.Tag
		}
		if err := callback(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// HandleCommit applies the transaction's staged changes. The transaction is
// consumed even when the commit is rejected.
func (h *fakeHandler) HandleCommit(ctx context.Context, conn *server.Conn) error {
	sess, _ := conn.GetConnectionState().(*session)
	if sess == nil {
		return server.NewError(protocol.CodeState, "no open transaction")
	}

	conn.SetConnectionState(nil)
	conn.SetStatus(protocol.StatusIdle)
	return h.server.commitSession(sess)
}

// HandleRollback discards the transaction's staged changes.
func (h *fakeHandler) HandleRollback(ctx context.Context, conn *server.Conn) error {
	sess, _ := conn.GetConnectionState().(*session)
	if sess == nil {
		return server.NewError(protocol.CodeState, "no open transaction")
	}

	conn.SetConnectionState(nil)
	conn.SetStatus(protocol.StatusIdle)
	h.server.discardSession(sess)
	return nil
}

// HandleCloseTxn discards the transaction like a rollback.
func (h *fakeHandler) HandleCloseTxn(ctx context.Context, conn *server.Conn) error {
	sess, _ := conn.GetConnectionState().(*session)
	if sess == nil {
		return server.NewError(protocol.CodeState, "no open transaction")
	}

	conn.SetConnectionState(nil)
	conn.SetStatus(protocol.StatusIdle)
	h.server.discardSession(sess)
	return nil
}

// HandleTerminate releases the transaction of a session that disconnected
// mid-transaction, so its locks don't outlive the connection.
func (h *fakeHandler) HandleTerminate(ctx context.Context, conn *server.Conn) {
	if sess, _ := conn.GetConnectionState().(*session); sess != nil {
		conn.SetConnectionState(nil)
		h.server.discardSession(sess)
	}
}

// Ensure fakeHandler implements server.Handler.
var _ server.Handler = (*fakeHandler)(nil)
