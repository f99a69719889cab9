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

// Package strata is the StrataDB client driver. A Driver owns a pool of
// authenticated server connections; catalog operations and pings borrow a
// connection per call, while each Transaction pins one connection for its
// whole life, so transactions on one driver run concurrently and queries
// within one transaction run strictly in submission order.
//
// All failures are reported as *Error values classified by ErrorKind; see
// the Err* sentinels for errors.Is matching.
package strata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stratadb/stratadb-go/go/pools/connpool"
	"github.com/stratadb/stratadb-go/go/stprotocol/client"
)

// DriverName and DriverVersion are announced to the server on startup.
const (
	DriverName    = "stratadb-go"
	DriverVersion = "1.0.0"
)

// Driver is a StrataDB client. Open one per server address and share it;
// it is safe for concurrent use.
type Driver struct {
	address string
	opts    DriverOptions

	pool *connpool.Pool[*client.Conn]

	// ctx spans the driver's lifetime; Close cancels it, which invalidates
	// every open transaction.
	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool

	// txnWG tracks transaction dispatcher goroutines.
	txnWG sync.WaitGroup

	// clientIDs allocates pool reservation identities for transactions.
	clientIDs atomic.Uint64

	databases *DatabaseManager
}

// Open connects to a StrataDB server and verifies it with a ping. The
// credentials are copied; the options are frozen (nil means defaults).
// On failure nothing stays allocated: every connection opened during a
// failed Open is closed before return.
func Open(ctx context.Context, address string, creds Credentials, opts *DriverOptions) (*Driver, error) {
	if opts == nil {
		var err error
		opts, err = NewDriverOptions(false, "")
		if err != nil {
			return nil, err
		}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	clientConfig := &client.Config{
		Address:       address,
		User:          creds.Username,
		Password:      creds.Password,
		TLSConfig:     opts.tlsConfig,
		DialTimeout:   opts.ConnectTimeout,
		DialRetries:   opts.DialRetries,
		DriverName:    DriverName,
		DriverVersion: DriverVersion,
	}

	driverCtx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		address: address,
		opts:    *opts,
		ctx:     driverCtx,
		cancel:  cancel,
	}
	d.databases = &DatabaseManager{driver: d}

	d.pool = connpool.NewPool(func(ctx context.Context) (*client.Conn, error) {
		conn, err := client.Connect(ctx, clientConfig)
		if err != nil {
			return nil, err
		}
		recordConnectionOpened(ctx)
		return conn, nil
	}, connpool.Config{
		Capacity: opts.PoolSize,
		MaxIdle:  opts.PoolSize,
	})

	// Pre-warm with one authenticated connection and verify the server
	// before handing the driver out.
	pooled, err := d.pool.Get(ctx)
	if err != nil {
		d.shutdown()
		return nil, d.mapPoolError(err)
	}
	if err := pooled.Conn().Ping(ctx); err != nil {
		_ = pooled.Conn().Close()
		_ = d.pool.Put(pooled)
		d.shutdown()
		return nil, fromWire(err, "server verification failed")
	}
	_ = d.pool.Put(pooled)

	log().Info("driver opened", "address", address, "pool_size", opts.PoolSize)
	return d, nil
}

// IsOpen reports whether the driver is usable. It is a local check and
// never round-trips.
func (d *Driver) IsOpen() bool {
	return !d.closed.Load()
}

// Address returns the server address the driver was opened against.
func (d *Driver) Address() string {
	return d.address
}

// Close releases the connection pool, bounded by the configured
// CloseTimeout. Open transactions are invalidated: their outstanding
// futures abort and their next operation fails. Closing twice is a no-op.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wake every transaction dispatcher first, so pinned connections flow
	// back to the pool while it drains.
	d.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.CloseTimeout)
	defer cancel()
	err := d.pool.Close(ctx)
	d.txnWG.Wait()

	log().Info("driver closed", "address", d.address)
	return err
}

// shutdown tears down a partially-opened driver.
func (d *Driver) shutdown() {
	d.closed.Store(true)
	d.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.CloseTimeout)
	defer cancel()
	_ = d.pool.Close(ctx)
}

// Ping performs a round-trip health check on one pooled connection.
func (d *Driver) Ping(ctx context.Context) error {
	return d.withConn(ctx, func(conn *client.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return fromWire(err, "ping failed")
		}
		return nil
	})
}

// Databases returns the database catalog manager.
func (d *Driver) Databases() *DatabaseManager {
	return d.databases
}

// Transaction opens a transaction with default options.
func (d *Driver) Transaction(ctx context.Context, database string, kind TransactionKind) (*Transaction, error) {
	return d.TransactionWithOptions(ctx, database, kind, nil)
}

// TransactionWithOptions opens a transaction of the given kind on the named
// database. The options are snapshotted; zero fields mean server defaults.
// The transaction pins one pooled connection until it reaches a terminal
// state.
func (d *Driver) TransactionWithOptions(ctx context.Context, database string, kind TransactionKind, opts *TransactionOptions) (*Transaction, error) {
	if !kind.valid() {
		return nil, newError(KindConfiguration, "invalid transaction kind %d", int(kind))
	}
	if d.closed.Load() {
		return nil, newError(KindState, "driver is closed")
	}

	var effective TransactionOptions
	if opts != nil {
		effective = *opts
	}

	pooled, err := d.pool.Get(ctx)
	if err != nil {
		return nil, d.mapPoolError(err)
	}

	clientID := d.clientIDs.Add(1)
	if err := d.pool.Reserve(pooled, clientID); err != nil {
		_ = d.pool.Put(pooled)
		return nil, wrapError(KindConnection, err, "failed to pin connection")
	}

	if err := pooled.Conn().Begin(ctx, database, byte(kind), effective.Timeout, effective.SchemaLockTimeout); err != nil {
		var serverErr *client.Error
		if !errors.As(err, &serverErr) {
			_ = pooled.Conn().Close()
		}
		_ = d.pool.Unreserve(clientID)
		return nil, fromWire(err, "failed to open transaction")
	}

	recordTransaction(ctx, kind)
	log().Debug("transaction opened", "database", database, "kind", kind.String())
	return newTransaction(d, database, kind, clientID, pooled), nil
}

// withConn borrows a pooled connection for one operation. Connections that
// failed below the protocol level are closed so the pool discards them.
func (d *Driver) withConn(ctx context.Context, fn func(conn *client.Conn) error) error {
	if d.closed.Load() {
		return newError(KindState, "driver is closed")
	}

	pooled, err := d.pool.Get(ctx)
	if err != nil {
		return d.mapPoolError(err)
	}

	fnErr := fn(pooled.Conn())
	if fnErr != nil {
		var serverErr *client.Error
		if !errors.As(fnErr, &serverErr) {
			_ = pooled.Conn().Close()
		}
	}
	_ = d.pool.Put(pooled)
	return fnErr
}

// releaseConn returns a transaction's pinned connection to the pool.
func (d *Driver) releaseConn(clientID uint64) {
	if err := d.pool.Unreserve(clientID); err != nil && !errors.Is(err, connpool.ErrPoolClosed) {
		log().Warn("failed to release transaction connection", "error", err)
	}
}

// mapPoolError translates pool failures into driver errors.
func (d *Driver) mapPoolError(err error) *Error {
	switch {
	case errors.Is(err, connpool.ErrPoolClosed):
		return newError(KindState, "driver is closed")
	case errors.Is(err, connpool.ErrPoolExhausted), errors.Is(err, connpool.ErrTimeout):
		return wrapError(KindConnection, err, "no connection available")
	default:
		return wrapError(KindConnection, err, "failed to open connection")
	}
}
