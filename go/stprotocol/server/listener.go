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

// Package server implements the server side of the StrataDB wire protocol.
// It handles framing, the authentication handshake, and the request loop,
// delegating catalog and transaction semantics to a Handler.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/auth"
	"github.com/stratadb/stratadb-go/go/stprotocol/bufpool"
)

// Listener listens for incoming StrataDB client connections.
type Listener struct {
	// listener is the network listener.
	listener net.Listener

	// handler processes requests for connections.
	handler Handler

	// credentials is the source of stored credentials for the
	// challenge-response handshake.
	credentials auth.CredentialSource

	// logger for logging.
	logger *slog.Logger

	// readersPool pools bufio.Reader objects.
	readersPool *sync.Pool

	// writersPool pools bufio.Writer objects.
	writersPool *sync.Pool

	// bufPool pools byte buffers for message I/O.
	bufPool *bufpool.Pool

	// nextConnectionID is an atomic counter for assigning connection IDs.
	nextConnectionID atomic.Uint32

	// wg tracks active connection handlers.
	wg sync.WaitGroup

	// ctx is the context for the listener, cancelled when Close is called.
	ctx    context.Context
	cancel context.CancelFunc
}

// ListenerConfig holds configuration for the listener.
type ListenerConfig struct {
	// Address to listen on (e.g., "localhost:1729").
	Address string

	// Handler processes requests. Required.
	Handler Handler

	// Credentials is the credential source consulted during the
	// authentication handshake. Required.
	Credentials auth.CredentialSource

	// TLSConfig enables TLS when set. The listener then accepts only TLS
	// connections.
	TLSConfig *tls.Config

	// Logger for logging (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// NewListener creates a new StrataDB protocol listener.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if config.Credentials == nil {
		return nil, errors.New("credential source is required")
	}

	netListener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, errors.Join(errors.New("failed to listen on "+config.Address), err)
	}
	if config.TLSConfig != nil {
		netListener = tls.NewListener(netListener, config.TLSConfig)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		listener:    netListener,
		handler:     config.Handler,
		credentials: config.Credentials,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Reader/writer buffers are recycled across connections; message
	// buffers come from the sized bufpool.
	l.readersPool = &sync.Pool{
		New: func() any {
			return bufio.NewReaderSize(nil, connBufferSize)
		},
	}
	l.writersPool = &sync.Pool{
		New: func() any {
			return bufio.NewWriterSize(nil, connBufferSize)
		},
	}
	l.bufPool = bufpool.New(16*1024, 64*1024*1024) // 16 KiB floor, 64 MiB ceiling

	logger.Info("StrataDB listener started", "address", config.Address)

	return l, nil
}

// Serve accepts connections until the listener is closed, handling each one
// on its own goroutine. It blocks for the lifetime of the listener.
func (l *Listener) Serve() error {
	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				// Close was called.
				return nil
			default:
				l.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		conn := newConn(netConn, l, l.nextConnectionID.Add(1))
		l.wg.Go(func() {
			l.handleConnection(conn)
		})
	}
}

// handleConnection runs one client connection to completion.
func (l *Listener) handleConnection(conn *Conn) {
	// The deferred cleanup must run even if the request loop panics.
	defer func() {
		if x := recover(); x != nil {
			conn.logger.Error("panic in connection handler",
				"panic", x,
				"remote_addr", conn.RemoteAddr())
		}

		// Let the handler release session-held resources. Sessions that
		// never authenticated have no handler state to release.
		if conn.sessionID != uuid.Nil {
			l.handler.HandleTerminate(conn.ctx, conn)
		}

		if err := conn.Close(); err != nil {
			conn.logger.Error("error closing connection", "error", err)
		}
		conn.releaseBuffers()
	}()

	conn.logger.Debug("connection accepted", "remote_addr", conn.RemoteAddr())

	// Serve the connection (startup + request loop).
	if err := conn.serve(); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			conn.logger.Error("connection error", "error", err)
		}
	}

	conn.logger.Debug("connection closed")
}

// Close stops accepting connections and waits for in-flight ones to finish.
func (l *Listener) Close() error {
	l.cancel()
	err := l.listener.Close()
	l.wg.Wait()
	l.logger.Info("StrataDB listener stopped")
	return err
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
