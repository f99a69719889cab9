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

package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/stratadb-go/go/stprotocol/auth"
	"github.com/stratadb/stratadb-go/go/stprotocol/client"
	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// echoHandler is a minimal handler that records calls and plays back canned
// behavior, tracking the session status the way a real handler would.
type echoHandler struct {
	mu      sync.Mutex
	begins  []string
	queries []string
	commits int
}

func (h *echoHandler) HandlePing(ctx context.Context, conn *Conn) error {
	return nil
}

func (h *echoHandler) HandleDatabaseOp(ctx context.Context, conn *Conn, op byte, name string) (*Result, error) {
	switch op {
	case protocol.DatabaseOpCreate:
		return &Result{Tag: "CREATE DATABASE"}, nil
	case protocol.DatabaseOpDelete:
		return nil, NewError(protocol.CodeDatabase, "database \""+name+"\" does not exist")
	default:
		return nil, NewError(protocol.CodeDatabase, "unsupported op")
	}
}

func (h *echoHandler) HandleBegin(ctx context.Context, conn *Conn, database string, kind byte, timeout, schemaLockTimeout time.Duration) error {
	h.mu.Lock()
	h.begins = append(h.begins, database)
	h.mu.Unlock()
	conn.SetStatus(protocol.StatusInTxn)
	return nil
}

func (h *echoHandler) HandleQuery(ctx context.Context, conn *Conn, req *QueryRequest, callback func(ctx context.Context, result *Result) error) error {
	h.mu.Lock()
	h.queries = append(h.queries, req.Query)
	h.mu.Unlock()

	if req.Query == "fail" {
		return NewError(protocol.CodeQuery, "syntax error").WithDetail("canned failure")
	}
	return callback(ctx, &Result{
		Frames: [][]byte{{0x80}}, // empty msgpack map
		Tag:    "MATCH 1",
	})
}

func (h *echoHandler) HandleCommit(ctx context.Context, conn *Conn) error {
	h.mu.Lock()
	h.commits++
	h.mu.Unlock()
	conn.SetStatus(protocol.StatusIdle)
	return nil
}

func (h *echoHandler) HandleRollback(ctx context.Context, conn *Conn) error {
	conn.SetStatus(protocol.StatusIdle)
	return nil
}

func (h *echoHandler) HandleCloseTxn(ctx context.Context, conn *Conn) error {
	conn.SetStatus(protocol.StatusIdle)
	return nil
}

func (h *echoHandler) HandleTerminate(ctx context.Context, conn *Conn) {}

func startTestListener(t *testing.T, handler Handler) *Listener {
	t.Helper()

	creds := auth.NewStaticCredentials()
	require.NoError(t, creds.Add("admin", "password"))

	l, err := NewListener(ListenerConfig{
		Address:     "127.0.0.1:0",
		Handler:     handler,
		Credentials: creds,
	})
	require.NoError(t, err)

	go func() {
		_ = l.Serve()
	}()
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l
}

func dialTestListener(t *testing.T, l *Listener) *client.Conn {
	t.Helper()

	conn, err := client.Connect(t.Context(), &client.Config{
		Address:     l.Addr().String(),
		User:        "admin",
		Password:    "password",
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestListenerStartupAndPing(t *testing.T) {
	l := startTestListener(t, &echoHandler{})
	conn := dialTestListener(t, l)

	assert.NotEqual(t, uuid.Nil, conn.SessionID())
	assert.Equal(t, protocol.StatusIdle, conn.Status())
	require.NoError(t, conn.Ping(t.Context()))
}

func TestListenerRejectsBadPassword(t *testing.T) {
	l := startTestListener(t, &echoHandler{})

	_, err := client.Connect(t.Context(), &client.Config{
		Address:     l.Addr().String(),
		User:        "admin",
		Password:    "wrong",
		DialTimeout: 5 * time.Second,
	})
	require.Error(t, err)

	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeConnection, serverErr.Code)
	assert.Equal(t, "FATAL", serverErr.Severity)
}

func TestListenerRejectsUnknownUser(t *testing.T) {
	l := startTestListener(t, &echoHandler{})

	_, err := client.Connect(t.Context(), &client.Config{
		Address:     l.Addr().String(),
		User:        "nobody",
		Password:    "password",
		DialTimeout: 5 * time.Second,
	})
	require.Error(t, err)

	// Unknown users read identically to a bad password.
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, "authentication failed", serverErr.Message)
}

func TestListenerTransactionCycle(t *testing.T) {
	handler := &echoHandler{}
	l := startTestListener(t, handler)
	conn := dialTestListener(t, l)

	require.NoError(t, conn.Begin(t.Context(), "orders", protocol.TxnKindWrite, time.Second, 0))
	assert.Equal(t, protocol.StatusInTxn, conn.Status())

	resp, err := conn.Query(t.Context(), uuid.New(), "match $x isa order;", false, 0)
	require.NoError(t, err)
	require.Len(t, resp.Frames, 1)
	assert.Equal(t, "MATCH 1", resp.Tag)

	require.NoError(t, conn.Commit(t.Context()))
	assert.Equal(t, protocol.StatusIdle, conn.Status())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"orders"}, handler.begins)
	assert.Equal(t, []string{"match $x isa order;"}, handler.queries)
	assert.Equal(t, 1, handler.commits)
}

func TestListenerHandlerErrorKeepsConnUsable(t *testing.T) {
	l := startTestListener(t, &echoHandler{})
	conn := dialTestListener(t, l)

	_, err := conn.Query(t.Context(), uuid.New(), "fail", false, 0)
	require.Error(t, err)

	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeQuery, serverErr.Code)
	assert.Equal(t, "syntax error", serverErr.Message)
	assert.Equal(t, "canned failure", serverErr.Detail)

	// Error was drained to Ready: the connection still works.
	require.NoError(t, conn.Ping(t.Context()))
}

func TestListenerDatabaseOps(t *testing.T) {
	l := startTestListener(t, &echoHandler{})
	conn := dialTestListener(t, l)

	resp, err := conn.DatabaseOp(t.Context(), protocol.DatabaseOpCreate, "inventory")
	require.NoError(t, err)
	assert.Equal(t, "CREATE DATABASE", resp.Tag)

	_, err = conn.DatabaseOp(t.Context(), protocol.DatabaseOpDelete, "missing")
	require.Error(t, err)
	var serverErr *client.Error
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.CodeDatabase, serverErr.Code)
}

func TestListenerConfigValidation(t *testing.T) {
	creds := auth.NewStaticCredentials()

	_, err := NewListener(ListenerConfig{Address: "127.0.0.1:0", Credentials: creds})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler is required")

	_, err = NewListener(ListenerConfig{Address: "127.0.0.1:0", Handler: &echoHandler{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential source is required")
}

func TestListenerCloseUnblocksServe(t *testing.T) {
	creds := auth.NewStaticCredentials()
	require.NoError(t, creds.Add("admin", "password"))

	l, err := NewListener(ListenerConfig{
		Address:     "127.0.0.1:0",
		Handler:     &echoHandler{},
		Credentials: creds,
	})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- l.Serve()
	}()

	require.NoError(t, l.Close())

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	// The port is released.
	ln, err := net.Listen("tcp", l.Addr().String())
	require.NoError(t, err)
	_ = ln.Close()
}
