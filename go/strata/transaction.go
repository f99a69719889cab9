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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/pools/connpool"
	"github.com/stratadb/stratadb-go/go/stprotocol/client"
)

// Transaction states. Transitions are one-way: open moves to exactly one of
// the terminal states.
const (
	txnOpen uint32 = iota
	txnCommitted
	txnRolledBack
	txnClosed
)

type txnOpKind int

const (
	opQuery txnOpKind = iota
	opCommit
	opRollback
	opClose
)

// txnOp is one unit of work for the dispatcher: either a query submission
// or a terminal control operation. Control ops carry the caller's context
// and a buffered reply channel.
type txnOp struct {
	kind  txnOpKind
	entry *pendingQuery
	ctx   context.Context
	reply chan error
}

type pendingQuery struct {
	id       uuid.UUID
	future   *Future
	query    string
	opts     QueryOptions
	accepted time.Time
}

// Transaction is a unit of work pinned to one pooled connection. All of its
// operations, including the terminal ones, run on a single dispatcher
// goroutine in submission order, so queries issued through QueryAsync are
// executed strictly FIFO and a commit applies everything submitted before
// it.
//
// A Transaction is not safe for concurrent use by multiple goroutines,
// except that Future.Abort may race one Resolve.
type Transaction struct {
	driver   *Driver
	database string
	kind     TransactionKind

	clientID uint64
	pooled   *connpool.Pooled[*client.Conn]
	conn     *client.Conn

	// ctx is driver-scoped; its cancellation invalidates the transaction.
	ctx context.Context

	state atomic.Uint32

	// mu orders enqueues against terminal transitions: work is appended
	// under the read lock after a state check, and the dispatcher moves
	// the state to a terminal value under the write lock before its final
	// drain. An entry accepted while open is therefore always drained.
	mu      sync.RWMutex
	pending []txnOp
	kick    chan struct{}
}

func newTransaction(d *Driver, database string, kind TransactionKind, clientID uint64, pooled *connpool.Pooled[*client.Conn]) *Transaction {
	t := &Transaction{
		driver:   d,
		database: database,
		kind:     kind,
		clientID: clientID,
		pooled:   pooled,
		conn:     pooled.Conn(),
		ctx:      d.ctx,
		kick:     make(chan struct{}, 1),
	}
	d.txnWG.Add(1)
	go t.dispatch()
	return t
}

// Database returns the database the transaction runs on.
func (t *Transaction) Database() string {
	return t.database
}

// Kind returns the transaction's concurrency class.
func (t *Transaction) Kind() TransactionKind {
	return t.kind
}

// IsOpen reports whether the transaction can still accept work. It is a
// local check and never round-trips.
func (t *Transaction) IsOpen() bool {
	return t.state.Load() == txnOpen
}

// Query runs a query and waits for its result. It is QueryAsync followed by
// Resolve on the same future.
func (t *Transaction) Query(ctx context.Context, query string, opts ...*QueryOptions) (*QueryResult, error) {
	future, err := t.QueryAsync(query, opts...)
	if err != nil {
		return nil, err
	}
	return future.Resolve(ctx)
}

// QueryAsync submits a query without waiting for its result. Submission
// order is execution order. It fails synchronously only when the options
// are invalid or the transaction is no longer open.
func (t *Transaction) QueryAsync(query string, opts ...*QueryOptions) (*Future, error) {
	var effective QueryOptions
	if len(opts) > 0 && opts[0] != nil {
		effective = *opts[0]
	}
	if effective.PrefetchSize < 0 {
		return nil, newError(KindConfiguration, "prefetch size must not be negative, got %d", effective.PrefetchSize)
	}

	entry := &pendingQuery{
		id:       uuid.New(),
		future:   newFuture(),
		query:    query,
		opts:     effective,
		accepted: time.Now(),
	}
	if err := t.enqueue(txnOp{kind: opQuery, entry: entry}); err != nil {
		return nil, err
	}
	return entry.future, nil
}

// Commit applies the transaction's staged work, after every query submitted
// before it. On success the transaction is committed; on failure it is
// closed and the caller must retry with a new transaction. Committing a
// transaction that is no longer open fails with a state error.
func (t *Transaction) Commit(ctx context.Context) error {
	op := txnOp{kind: opCommit, ctx: ctx, reply: make(chan error, 1)}
	if err := t.enqueue(op); err != nil {
		return err
	}

	select {
	case err := <-op.reply:
		if err == nil {
			return nil
		}
		var driverErr *Error
		if errors.As(err, &driverErr) {
			return driverErr
		}
		return fromWire(err, "commit failed")
	case <-ctx.Done():
		// The dispatcher still finishes the operation; only the wait is
		// abandoned. The transaction may or may not have committed.
		return wrapError(KindTransaction, ctx.Err(), "commit interrupted")
	}
}

// Rollback discards the transaction's staged work. After a failed commit it
// is an allowed no-op; after a successful commit it fails with a state
// error; on an already rolled back or closed transaction it is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	switch t.state.Load() {
	case txnCommitted:
		return newError(KindState, "transaction already committed")
	case txnRolledBack, txnClosed:
		return nil
	}

	op := txnOp{kind: opRollback, ctx: ctx, reply: make(chan error, 1)}
	if err := t.enqueue(op); err != nil {
		// The state moved terminal while we prepared; apply the same
		// policy as above.
		if t.state.Load() == txnCommitted {
			return err
		}
		return nil
	}

	select {
	case err := <-op.reply:
		if err == nil {
			return nil
		}
		var driverErr *Error
		if errors.As(err, &driverErr) {
			// Drained because a racing operation closed the transaction
			// first; rollback on a closed transaction is a no-op.
			return nil
		}
		return fromWire(err, "rollback failed")
	case <-ctx.Done():
		return wrapError(KindTransaction, ctx.Err(), "rollback interrupted")
	}
}

// Close rolls the transaction back when it is still open and releases its
// connection. It always succeeds locally; server notification is best
// effort. Closing a terminal transaction is a no-op. Outstanding futures
// are aborted.
func (t *Transaction) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.driver.opts.CloseTimeout)
	defer cancel()

	op := txnOp{kind: opClose, ctx: ctx, reply: make(chan error, 1)}
	if err := t.enqueue(op); err != nil {
		return nil // Already terminal.
	}

	select {
	case <-op.reply:
	case <-ctx.Done():
	}
	return nil
}

// enqueue hands one unit of work to the dispatcher. It fails with a state
// error when the transaction is no longer open.
func (t *Transaction) enqueue(op txnOp) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.state.Load() != txnOpen {
		return newError(KindState, "transaction is %s", t.stateName())
	}
	t.pending = append(t.pending, op)

	select {
	case t.kick <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transaction) stateName() string {
	switch t.state.Load() {
	case txnCommitted:
		return "committed"
	case txnRolledBack:
		return "rolled back"
	default:
		return "closed"
	}
}

// dispatch owns the pinned connection. It runs submitted work in FIFO
// order until a terminal operation or driver shutdown, then aborts what
// remains and returns the connection to the pool.
func (t *Transaction) dispatch() {
	defer t.driver.txnWG.Done()

	for {
		if t.ctx.Err() != nil {
			// Driver is closing: invalidate instead of running more work.
			t.transition(txnClosed)
			log().Debug("transaction invalidated by driver close",
				"database", t.database, "kind", t.kind.String())
			break
		}

		if op, ok := t.next(); ok {
			if terminal := t.run(op); terminal {
				break
			}
			continue
		}

		select {
		case <-t.kick:
		case <-t.ctx.Done():
		}
	}

	t.drain()
	t.driver.releaseConn(t.clientID)
}

// next pops the oldest pending operation.
func (t *Transaction) next() (txnOp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return txnOp{}, false
	}
	op := t.pending[0]
	t.pending = t.pending[1:]
	return op, true
}

// run executes one operation and reports whether it was terminal.
func (t *Transaction) run(op txnOp) bool {
	switch op.kind {
	case opQuery:
		t.runQuery(op.entry)
		return false

	case opCommit:
		err := t.conn.Commit(op.ctx)
		if err == nil {
			t.transition(txnCommitted)
		} else {
			t.transition(txnClosed)
			t.poison(err)
		}
		op.reply <- err
		return true

	case opRollback:
		err := t.conn.Rollback(op.ctx)
		t.transition(txnRolledBack)
		if err != nil {
			t.poison(err)
		}
		op.reply <- err
		return true

	default: // opClose
		err := t.conn.CloseTxn(op.ctx)
		t.transition(txnClosed)
		if err != nil {
			t.poison(err)
		}
		op.reply <- err
		return true
	}
}

// runQuery sends one query and fulfills its future. Aborted entries are
// skipped before the send; entries aborted mid-flight have their response
// discarded by the future itself.
func (t *Transaction) runQuery(entry *pendingQuery) {
	if entry.future.state.Load() != futurePending {
		return
	}

	resp, err := t.conn.Query(t.ctx, entry.id, entry.query, entry.opts.IncludeInstanceTypes, entry.opts.PrefetchSize)
	if err != nil {
		recordQuery(t.ctx, time.Since(entry.accepted), true)
		t.poison(err)
		entry.future.fulfill(nil, fromWire(err, "query failed"))
		return
	}

	result, err := decodeResult(resp)
	recordQuery(t.ctx, time.Since(entry.accepted), err != nil)
	entry.future.fulfill(result, err)
}

// transition moves the state under the write lock, fencing off enqueues.
func (t *Transaction) transition(state uint32) {
	t.mu.Lock()
	t.state.CompareAndSwap(txnOpen, state)
	t.mu.Unlock()
}

// drain aborts every operation still pending after a terminal transition.
// Queries have their futures aborted; control callers get a state error.
func (t *Transaction) drain() {
	t.mu.Lock()
	rest := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, op := range rest {
		if op.kind == opQuery {
			op.entry.future.Abort()
			continue
		}
		op.reply <- newError(KindState, "transaction is %s", t.stateName())
	}
}

// poison closes the pinned connection when a failure broke the protocol
// stream. Server error responses leave the stream aligned and the
// connection reusable.
func (t *Transaction) poison(err error) {
	var serverErr *client.Error
	if !errors.As(err, &serverErr) {
		_ = t.conn.Close()
	}
}
