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

// Package client implements the StrataDB wire protocol client connection.
// One Conn is one authenticated session; callers are responsible for pooling
// and lifecycle.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/protocol"
	"github.com/stratadb/stratadb-go/go/tools/retry"
)

const (
	// connBufferSize is the size of read and write buffers.
	connBufferSize = 16 * 1024

	// Dial retry backoff bounds.
	dialBackoffBase = 50 * time.Millisecond
	dialBackoffMax  = 2 * time.Second
)

// Config holds the configuration for connecting to a StrataDB server.
type Config struct {
	// Address is the server address in host:port form.
	Address string

	// User is the StrataDB user name.
	User string

	// Password is the user's password.
	Password string

	// TLSConfig is the TLS configuration. If nil, the connection is plaintext.
	TLSConfig *tls.Config

	// DialTimeout is the timeout for establishing the TCP connection.
	DialTimeout time.Duration

	// DialRetries is the number of additional dial attempts after the first
	// one fails. Zero means a single attempt.
	DialRetries int

	// DriverName and DriverVersion are announced to the server on startup.
	DriverName    string
	DriverVersion string
}

// Conn represents a client connection to a StrataDB server.
// It handles the wire protocol encoding/decoding and connection state.
type Conn struct {
	// conn is the TCP (or TLS) connection to the server.
	conn net.Conn

	// bufferedReader buffers reads from conn.
	bufferedReader *bufio.Reader

	// bufferedWriter buffers writes to conn.
	bufferedWriter *bufio.Writer

	// bufmu serializes request/response cycles on the connection.
	bufmu sync.Mutex

	// config is the connection configuration.
	config *Config

	// sessionID is assigned by the server during startup.
	sessionID uuid.UUID

	// status is the session status from the last Ready message.
	status protocol.SessionStatus

	// closed indicates whether the connection has been closed.
	closed atomic.Bool

	// ctx spans the connection's own lifetime, independent of the dial
	// context, so pooled connections survive their opener's request.
	ctx    context.Context
	cancel context.CancelFunc
}

// Connect establishes a new authenticated connection to a StrataDB server.
// Transient dial failures are retried with backoff up to config.DialRetries
// extra attempts; authentication failures are final.
func Connect(ctx context.Context, config *Config) (*Conn, error) {
	netConn, err := dial(ctx, config)
	if err != nil {
		return nil, err
	}

	if config.TLSConfig != nil {
		tlsConn := tls.Client(netConn, config.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", config.Address, err)
		}
		netConn = tlsConn
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:           netConn,
		bufferedReader: bufio.NewReaderSize(netConn, connBufferSize),
		bufferedWriter: bufio.NewWriterSize(netConn, connBufferSize),
		config:         config,
		status:         protocol.StatusIdle,
		ctx:            connCtx,
		cancel:         cancel,
	}

	if err := c.startup(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("startup failed: %w", err)
	}

	return c, nil
}

// dial establishes the TCP connection, retrying with exponential backoff.
func dial(ctx context.Context, config *Config) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: config.DialTimeout,
	}

	attempts := config.DialRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	b := retry.New(dialBackoffBase, dialBackoffMax)
	for {
		if err := b.StartAttempt(ctx); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("failed to connect to %s: %w", config.Address, lastErr)
			}
			return nil, err
		}

		netConn, err := dialer.DialContext(ctx, "tcp", config.Address)
		if err == nil {
			return netConn, nil
		}
		lastErr = err

		if b.Attempt() >= attempts {
			return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", config.Address, b.Attempt(), lastErr)
		}
	}
}

// Close closes the connection. Idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed.
	}

	c.cancel()

	// Send Terminate message (best effort).
	_ = protocol.WriteMessage(c.bufferedWriter, protocol.MsgTerminate, nil)
	_ = c.bufferedWriter.Flush()

	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// SessionID returns the session id assigned by the server.
func (c *Conn) SessionID() uuid.UUID {
	return c.sessionID
}

// Status returns the session status from the last Ready message.
func (c *Conn) Status() protocol.SessionStatus {
	return c.status
}

// Context returns the connection's lifetime context.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// RemoteAddr returns the address of the server end of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the address of the client end of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// SetDeadline bounds both reads and writes on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline bounds subsequent reads on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds subsequent writes on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// readMessage reads one framed message from the connection.
func (c *Conn) readMessage() (byte, []byte, error) {
	return protocol.ReadMessage(c.bufferedReader)
}

// writeMessage writes one framed message and flushes it.
func (c *Conn) writeMessage(msgType byte, body []byte) error {
	if err := protocol.WriteMessage(c.bufferedWriter, msgType, body); err != nil {
		return err
	}
	return c.flush()
}

// flush flushes any buffered writes.
func (c *Conn) flush() error {
	return c.bufferedWriter.Flush()
}
