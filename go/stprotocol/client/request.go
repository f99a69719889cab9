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

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
)

// Response is the decoded server response to one request.
type Response struct {
	// Frames holds the payload of each data frame, in arrival order.
	// Payloads are msgpack-encoded; this package does not decode them.
	Frames [][]byte

	// Tag is the command completion tag.
	Tag string

	// Status is the session status reported by the final Ready message.
	Status protocol.SessionStatus
}

// Ping performs a liveness round trip.
func (c *Conn) Ping(ctx context.Context) error {
	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	if err := c.writeMessage(protocol.MsgPing, nil); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	resp, err := c.readResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Tag != protocol.TagPong {
		return fmt.Errorf("unexpected ping response tag: %q", resp.Tag)
	}
	return nil
}

// DatabaseOp performs one catalog operation. The name is empty for list.
// Result payloads, when the operation yields data, arrive as frames.
func (c *Conn) DatabaseOp(ctx context.Context, op byte, name string) (*Response, error) {
	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	w := protocol.NewMessageWriter()
	w.WriteByte(op)
	w.WriteString(name)
	if err := c.writeMessage(protocol.MsgDatabaseOp, w.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to send database op: %w", err)
	}
	return c.readResponse(ctx)
}

// Begin opens a transaction of the given kind on the named database.
// Zero durations mean server defaults.
func (c *Conn) Begin(ctx context.Context, database string, kind byte, timeout, schemaLockTimeout time.Duration) error {
	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	w := protocol.NewMessageWriter()
	w.WriteString(database)
	w.WriteByte(kind)
	w.WriteDuration(timeout)
	w.WriteDuration(schemaLockTimeout)
	if err := c.writeMessage(protocol.MsgBegin, w.Bytes()); err != nil {
		return fmt.Errorf("failed to send begin: %w", err)
	}
	_, err := c.readResponse(ctx)
	return err
}

// Query submits one query inside the current transaction and reads its
// full response. The query id correlates request and response for tracing.
func (c *Conn) Query(ctx context.Context, queryID uuid.UUID, query string, includeInstanceTypes bool, prefetchSize int32) (*Response, error) {
	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	w := protocol.NewMessageWriter()
	w.WriteUUID(queryID)
	w.WriteString(query)
	w.WriteBool(includeInstanceTypes)
	w.WriteInt32(prefetchSize)
	if err := c.writeMessage(protocol.MsgQuery, w.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to send query: %w", err)
	}
	return c.readResponse(ctx)
}

// Commit commits the current transaction.
func (c *Conn) Commit(ctx context.Context) error {
	return c.bareRequest(ctx, protocol.MsgCommit)
}

// Rollback rolls back the current transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.bareRequest(ctx, protocol.MsgRollback)
}

// CloseTxn closes the current transaction without committing.
func (c *Conn) CloseTxn(ctx context.Context) error {
	return c.bareRequest(ctx, protocol.MsgCloseTxn)
}

// bareRequest sends a bodiless request and reads its response.
func (c *Conn) bareRequest(ctx context.Context, msgType byte) error {
	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	if err := c.writeMessage(msgType, nil); err != nil {
		return fmt.Errorf("failed to send %c request: %w", msgType, err)
	}
	_, err := c.readResponse(ctx)
	return err
}

// readResponse processes server messages until Ready. When the server
// reports an error it still drains to Ready, so the connection stays
// aligned on frame boundaries and remains usable; the returned error is
// then the *Error. Any other error poisons the connection mid-stream and
// the caller must close it.
func (c *Conn) readResponse(ctx context.Context) (*Response, error) {
	resp := &Response{}
	var respErr error

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msgType, body, err := c.readMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}

		switch msgType {
		case protocol.MsgDataFrame:
			resp.Frames = append(resp.Frames, body)

		case protocol.MsgCommandComplete:
			reader := protocol.NewMessageReader(body)
			tag, err := reader.ReadString()
			if err != nil {
				return nil, fmt.Errorf("failed to read command tag: %w", err)
			}
			resp.Tag = tag

		case protocol.MsgErrorResponse:
			respErr = parseError(body)

		case protocol.MsgNoticeResponse:
			// Ignore notices.

		case protocol.MsgReady:
			if err := c.handleReady(body); err != nil {
				return nil, err
			}
			resp.Status = c.status
			if respErr != nil {
				return nil, respErr
			}
			return resp, nil

		default:
			return nil, fmt.Errorf("unexpected message type in response: %c (0x%02x)", msgType, msgType)
		}
	}
}
