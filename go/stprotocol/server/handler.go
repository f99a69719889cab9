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
	"time"

	"github.com/google/uuid"
)

// QueryRequest carries the fields of a query message.
type QueryRequest struct {
	// ID is the client-assigned query identifier.
	ID uuid.UUID

	// Query is the query text.
	Query string

	// IncludeInstanceTypes requests type annotations on returned instances.
	IncludeInstanceTypes bool

	// PrefetchSize is the client's answer prefetch hint. Zero means the
	// server default.
	PrefetchSize int32
}

// Result is one chunk of a streamed response. Frames are msgpack-encoded
// data frames, one frame per row or document.
//
// Tag marks result set boundaries:
//   - If Tag is empty: more chunks are coming for this result set.
//   - If Tag is set: this is the last chunk, and a CommandComplete carrying
//     the tag is sent after its frames.
type Result struct {
	Frames [][]byte
	Tag    string
}

// Handler processes requests for connections accepted by a Listener.
// This abstracts request execution from the protocol layer, so the protocol
// implementation is decoupled from catalog and transaction logic.
//
// A handler error is reported to the client as an error response followed by
// a Ready message; the connection stays open. Return an *Error to control
// the code and severity on the wire, any other error is reported as an
// internal connection error.
//
// Handlers own the session status: they update it with Conn.SetStatus as
// transactions begin and end, and the status byte is echoed in every Ready
// message the connection writes.
type Handler interface {
	// HandlePing processes a ping message ('k'). A nil return produces the
	// PONG tag.
	HandlePing(ctx context.Context, conn *Conn) error

	// HandleDatabaseOp processes a database catalog operation ('D').
	// op is one of the DatabaseOp* subtypes and name is the database name
	// (empty for list). The returned frames are sent as data frames before
	// the tag.
	HandleDatabaseOp(ctx context.Context, conn *Conn, op byte, name string) (*Result, error)

	// HandleBegin processes a begin message ('B'), opening a transaction of
	// the given kind on the named database. Zero duration means the server
	// default. A nil return produces the BEGIN tag.
	HandleBegin(ctx context.Context, conn *Conn, database string, kind byte, timeout, schemaLockTimeout time.Duration) error

	// HandleQuery processes a query message ('q') inside the current
	// transaction. The callback is called with each result chunk and may be
	// invoked multiple times for large result sets:
	//
	//	callback(chunk1)  // frames, Tag=""
	//	callback(chunk2)  // more frames, Tag=""
	//	callback(chunk3)  // final frames, Tag="INSERT 1" -> CommandComplete
	//
	// After the handler returns without error, Ready ('Z') is sent once.
	HandleQuery(ctx context.Context, conn *Conn, req *QueryRequest, callback func(ctx context.Context, result *Result) error) error

	// HandleCommit processes a commit message ('C'). A nil return produces
	// the COMMIT tag.
	HandleCommit(ctx context.Context, conn *Conn) error

	// HandleRollback processes a rollback message ('r'). A nil return
	// produces the ROLLBACK tag.
	HandleRollback(ctx context.Context, conn *Conn) error

	// HandleCloseTxn processes a close-transaction message ('X'). A nil
	// return produces the CLOSE tag.
	HandleCloseTxn(ctx context.Context, conn *Conn) error

	// HandleTerminate is called once when the session ends, whether by a
	// terminate message, a client disconnect, or a server shutdown. Handlers
	// release any session-held resources (an open transaction, typically)
	// here. Nothing is written to the client.
	HandleTerminate(ctx context.Context, conn *Conn)
}

// Error is a protocol error with an explicit wire code. Handlers return it
// to control what the client sees; see the Code* constants in the protocol
// package for the code taxonomy.
type Error struct {
	// Severity is the error severity ("ERROR" or "FATAL").
	Severity string

	// Code is the wire error code.
	Code string

	// Message is the primary human-readable message.
	Message string

	// Detail is an optional supporting detail line.
	Detail string
}

// NewError creates an ERROR-severity protocol error.
func NewError(code, message string) *Error {
	return &Error{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	}
}

// WithDetail returns a copy of the error with the given detail line.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
