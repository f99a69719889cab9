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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// connBufferSize is the size of read and write buffers.
const connBufferSize = 16 * 1024

// Conn represents the server side of a StrataDB client session. It handles
// the wire protocol encoding/decoding and session state management.
//
// The buffered reader and writer are confined to the goroutine running
// serve; Close only cancels the context and closes the network connection,
// and the buffers are returned to their pools after serve returns.
type Conn struct {
	// conn is the underlying network connection.
	conn net.Conn

	// bufferedReader is used for reading from the connection.
	bufferedReader *bufio.Reader

	// bufferedWriter is used for writing to the connection. It is acquired
	// from the listener's pool for the duration of one response cycle and
	// returned afterwards, so idle connections don't hold write buffers.
	bufferedWriter *bufio.Writer

	// listener is the listener that accepted this connection.
	listener *Listener

	// handler processes requests for this connection.
	handler Handler

	// logger for connection-specific logging.
	logger *slog.Logger

	// connectionID is a unique identifier for this connection.
	connectionID uint32

	// sessionID is the session identifier sent to the client after
	// authentication.
	sessionID uuid.UUID

	// Startup parameters sent by the client.
	user   string
	params map[string]string

	// status is the session status echoed in every Ready message. Handlers
	// update it as transactions begin and end.
	status protocol.SessionStatus

	// state holds handler-specific session state. Handlers store their own
	// state here by calling SetConnectionState.
	state any

	// closed indicates whether the connection has been closed.
	closed atomic.Bool

	// ctx is the context for this connection, cancelled when the connection
	// closes.
	ctx    context.Context
	cancel context.CancelFunc
}

// newConn creates a new connection.
func newConn(netConn net.Conn, listener *Listener, connectionID uint32) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		conn:         netConn,
		listener:     listener,
		handler:      listener.handler,
		connectionID: connectionID,
		logger:       listener.logger.With("connection_id", connectionID),
		status:       protocol.StatusIdle,
		params:       make(map[string]string),
		ctx:          ctx,
		cancel:       cancel,
	}

	c.bufferedReader = listener.readersPool.Get().(*bufio.Reader)
	c.bufferedReader.Reset(netConn)

	return c
}

// Close closes the connection. It is safe to call from any goroutine; a
// blocked read in serve is unblocked by closing the network connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}
	c.cancel()
	return c.conn.Close()
}

// releaseBuffers returns pooled buffers. Called after serve has returned.
func (c *Conn) releaseBuffers() {
	if c.bufferedReader != nil {
		c.bufferedReader.Reset(nil)
		c.listener.readersPool.Put(c.bufferedReader)
		c.bufferedReader = nil
	}
	c.endWriterBuffering()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ConnectionID returns the connection ID.
func (c *Conn) ConnectionID() uint32 {
	return c.connectionID
}

// SessionID returns the session identifier assigned at authentication.
func (c *Conn) SessionID() uuid.UUID {
	return c.sessionID
}

// User returns the authenticated user.
func (c *Conn) User() string {
	return c.user
}

// Status returns the current session status.
func (c *Conn) Status() protocol.SessionStatus {
	return c.status
}

// SetStatus sets the session status echoed in subsequent Ready messages.
func (c *Conn) SetStatus(status protocol.SessionStatus) {
	c.status = status
}

// Context returns the connection's context.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// GetConnectionState returns the handler-specific session state, or nil if
// none has been set.
func (c *Conn) GetConnectionState() any {
	return c.state
}

// SetConnectionState sets the handler-specific session state. This allows
// handlers to maintain their own state per connection.
func (c *Conn) SetConnectionState(state any) {
	c.state = state
}

// startWriterBuffering acquires a pooled writer for a response cycle.
func (c *Conn) startWriterBuffering() {
	if c.bufferedWriter == nil {
		c.bufferedWriter = c.listener.writersPool.Get().(*bufio.Writer)
		c.bufferedWriter.Reset(c.conn)
	}
}

// endWriterBuffering flushes and returns the writer to the pool.
func (c *Conn) endWriterBuffering() {
	if c.bufferedWriter != nil {
		_ = c.bufferedWriter.Flush()
		c.bufferedWriter.Reset(nil)
		c.listener.writersPool.Put(c.bufferedWriter)
		c.bufferedWriter = nil
	}
}

// flush flushes any buffered writes.
func (c *Conn) flush() error {
	if c.bufferedWriter != nil {
		return c.bufferedWriter.Flush()
	}
	return nil
}

// serve is the main request processing loop for the connection. It performs
// the startup phase and then reads messages from the client until the
// connection is closed.
func (c *Conn) serve() error {
	if err := c.handleStartup(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	for {
		if c.closed.Load() {
			return nil
		}

		msgType, body, release, err := protocol.ReadMessagePooled(c.bufferedReader, c.listener.bufPool)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.logger.Debug("client closed connection")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		err = c.handleMessage(msgType, body)
		release()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Terminate message.
				return nil
			}
			return err
		}
	}
}

// handleMessage processes a single message from the client. Handler errors
// are reported on the wire and do not close the connection; a returned error
// is a protocol violation or write failure and is fatal to the connection.
func (c *Conn) handleMessage(msgType byte, body []byte) error {
	switch msgType {
	case protocol.MsgPing:
		return c.handlePing()

	case protocol.MsgDatabaseOp:
		return c.handleDatabaseOp(body)

	case protocol.MsgBegin:
		return c.handleBegin(body)

	case protocol.MsgQuery:
		return c.handleQuery(body)

	case protocol.MsgCommit:
		return c.handleCommit()

	case protocol.MsgRollback:
		return c.handleRollback()

	case protocol.MsgCloseTxn:
		return c.handleCloseTxn()

	case protocol.MsgTerminate:
		c.logger.Debug("received termination message")
		return io.EOF

	default:
		return fmt.Errorf("unsupported message type: %c (0x%02x)", msgType, msgType)
	}
}

// handlePing handles a 'k' (Ping) message.
func (c *Conn) handlePing() error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	if err := c.handler.HandlePing(c.ctx, c); err != nil {
		return c.writeHandlerError(err)
	}
	return c.completeCommand(protocol.TagPong)
}

// handleDatabaseOp handles a 'D' (DatabaseOp) message.
func (c *Conn) handleDatabaseOp(body []byte) error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	reader := protocol.NewMessageReader(body)
	op, err := reader.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read database op: %w", err)
	}
	name, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read database name: %w", err)
	}

	c.logger.Debug("database op", "op", string(op), "database", name)

	result, err := c.handler.HandleDatabaseOp(c.ctx, c, op, name)
	if err != nil {
		return c.writeHandlerError(err)
	}
	if result != nil {
		for _, frame := range result.Frames {
			if err := c.writeMessage(protocol.MsgDataFrame, frame); err != nil {
				return fmt.Errorf("failed to write data frame: %w", err)
			}
		}
		return c.completeCommand(result.Tag)
	}
	return c.completeCommand("")
}

// handleBegin handles a 'B' (Begin) message.
func (c *Conn) handleBegin(body []byte) error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	reader := protocol.NewMessageReader(body)
	database, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read database name: %w", err)
	}
	kind, err := reader.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read transaction kind: %w", err)
	}
	timeout, err := reader.ReadDuration()
	if err != nil {
		return fmt.Errorf("failed to read transaction timeout: %w", err)
	}
	schemaLockTimeout, err := reader.ReadDuration()
	if err != nil {
		return fmt.Errorf("failed to read schema lock timeout: %w", err)
	}

	c.logger.Debug("begin", "database", database, "kind", kind)

	if err := c.handler.HandleBegin(c.ctx, c, database, kind, timeout, schemaLockTimeout); err != nil {
		return c.writeHandlerError(err)
	}
	return c.completeCommand(protocol.TagBegin)
}

// handleQuery handles a 'q' (Query) message. Results are streamed: the
// handler's callback may be invoked multiple times, and each invocation's
// frames are written as they arrive.
func (c *Conn) handleQuery(body []byte) error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	reader := protocol.NewMessageReader(body)
	id, err := reader.ReadUUID()
	if err != nil {
		return fmt.Errorf("failed to read query id: %w", err)
	}
	queryStr, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read query string: %w", err)
	}
	includeInstanceTypes, err := reader.ReadBool()
	if err != nil {
		return fmt.Errorf("failed to read query options: %w", err)
	}
	prefetchSize, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read prefetch size: %w", err)
	}

	req := &QueryRequest{
		ID:                   id,
		Query:                queryStr,
		IncludeInstanceTypes: includeInstanceTypes,
		PrefetchSize:         prefetchSize,
	}

	c.logger.Debug("received query", "query_id", id, "query", queryStr)

	err = c.handler.HandleQuery(c.ctx, c, req, func(ctx context.Context, result *Result) error {
		for _, frame := range result.Frames {
			if err := c.writeMessage(protocol.MsgDataFrame, frame); err != nil {
				return fmt.Errorf("writing data frame: %w", err)
			}
		}
		// If Tag is set, this is the last chunk of the result set.
		if result.Tag != "" {
			if err := c.writeCommandComplete(result.Tag); err != nil {
				return fmt.Errorf("writing command complete: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("query failed", "query_id", id, "error", err)
		return c.writeHandlerError(err)
	}

	if err := c.writeReady(); err != nil {
		return err
	}
	return c.flush()
}

// handleCommit handles a 'C' (Commit) message.
func (c *Conn) handleCommit() error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	if err := c.handler.HandleCommit(c.ctx, c); err != nil {
		return c.writeHandlerError(err)
	}
	return c.completeCommand(protocol.TagCommit)
}

// handleRollback handles an 'r' (Rollback) message.
func (c *Conn) handleRollback() error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	if err := c.handler.HandleRollback(c.ctx, c); err != nil {
		return c.writeHandlerError(err)
	}
	return c.completeCommand(protocol.TagRollback)
}

// handleCloseTxn handles an 'X' (CloseTxn) message.
func (c *Conn) handleCloseTxn() error {
	c.startWriterBuffering()
	defer c.endWriterBuffering()

	if err := c.handler.HandleCloseTxn(c.ctx, c); err != nil {
		return c.writeHandlerError(err)
	}
	return c.completeCommand(protocol.TagClose)
}

// writeMessage writes one framed message without flushing.
func (c *Conn) writeMessage(msgType byte, body []byte) error {
	return protocol.WriteMessage(c.bufferedWriter, msgType, body)
}

// writeCommandComplete writes a 'c' message carrying the tag.
func (c *Conn) writeCommandComplete(tag string) error {
	w := protocol.NewMessageWriter()
	w.WriteString(tag)
	return c.writeMessage(protocol.MsgCommandComplete, w.Bytes())
}

// writeReady writes a 'Z' message carrying the current session status.
func (c *Conn) writeReady() error {
	return c.writeMessage(protocol.MsgReady, []byte{byte(c.status)})
}

// completeCommand finishes a successful response cycle: command tag (when
// set), ready, flush.
func (c *Conn) completeCommand(tag string) error {
	if tag != "" {
		if err := c.writeCommandComplete(tag); err != nil {
			return err
		}
	}
	if err := c.writeReady(); err != nil {
		return err
	}
	return c.flush()
}

// writeError writes an 'E' message with the given fields, without the
// trailing Ready.
func (c *Conn) writeError(severity, code, message, detail string) error {
	w := protocol.NewMessageWriter()
	w.WriteByte(protocol.FieldSeverity)
	w.WriteString(severity)
	w.WriteByte(protocol.FieldCode)
	w.WriteString(code)
	w.WriteByte(protocol.FieldMessage)
	w.WriteString(message)
	if detail != "" {
		w.WriteByte(protocol.FieldDetail)
		w.WriteString(detail)
	}
	w.WriteByte(0)
	return c.writeMessage(protocol.MsgErrorResponse, w.Bytes())
}

// writeHandlerError reports a handler error to the client as an error
// response followed by Ready, keeping the connection usable. The returned
// error is non-nil only when the write itself fails.
func (c *Conn) writeHandlerError(err error) error {
	var protoErr *Error
	if !errors.As(err, &protoErr) {
		protoErr = &Error{
			Severity: "ERROR",
			Code:     protocol.CodeConnection,
			Message:  fmt.Sprintf("internal error: %v", err),
		}
	}
	if writeErr := c.writeError(protoErr.Severity, protoErr.Code, protoErr.Message, protoErr.Detail); writeErr != nil {
		return writeErr
	}
	if writeErr := c.writeReady(); writeErr != nil {
		return writeErr
	}
	return c.flush()
}
