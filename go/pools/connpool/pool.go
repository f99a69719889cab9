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

package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when the pool is at capacity and the
	// waiter queue is full.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrTimeout is returned when the caller's context expires while
	// waiting for a connection.
	ErrTimeout = errors.New("timeout waiting for connection")
)

// drainPollInterval is how often Close re-checks whether all borrowed
// connections have come back.
const drainPollInterval = 10 * time.Millisecond

// waiter is one Get call parked until a connection or a capacity slot
// frees up. The channel is buffered so a handoff never blocks; a nil
// handoff means "retry" (a slot opened or the pool closed).
type waiter[C Connection] struct {
	ch chan *Pooled[C]
}

// Pool is a capacity-bounded connection pool. Idle connections are reused
// LIFO so a small working set stays warm. When the pool is at capacity,
// Get parks the caller until a connection is returned, discarded, or the
// pool closes.
type Pool[C Connection] struct {
	// mu protects idle, waiters, reservations, live, and the counters.
	mu sync.Mutex

	// idle holds connections available for borrowing, most recent last.
	idle []*Pooled[C]

	// waiters are parked Get calls, oldest first.
	waiters []*waiter[C]

	// reservations maps client ID to that client's reserved connection.
	reservations map[uint64]*Pooled[C]

	// live tracks every open connection the pool has handed out or parked,
	// so a forced shutdown can reach borrowed connections too.
	live map[*Pooled[C]]struct{}

	// creating counts factory calls in flight; they hold capacity slots.
	creating int

	// borrowed counts connections currently held by Get callers.
	borrowed int

	// reserved counts connections pinned via Reserve.
	reserved int

	// factory creates new connections.
	factory func(context.Context) (C, error)

	// Configuration
	capacity    int           // Maximum number of connections
	maxIdle     int           // Maximum idle connections to keep
	maxWaiters  int           // Maximum parked Get calls; 0 means unlimited
	idleTimeout time.Duration // How long before idle connections are closed
	maxLifetime time.Duration // Maximum connection lifetime

	// Lifecycle
	closed atomic.Bool
}

// Config holds configuration for the connection pool.
type Config struct {
	// Capacity is the maximum number of connections in the pool.
	Capacity int

	// MaxIdle is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdle int

	// MaxWaiters bounds how many Get calls may be parked waiting for a
	// connection; further Gets fail fast with ErrPoolExhausted.
	// If 0, the waiter queue is unbounded.
	MaxWaiters int

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration
}

// NewPool creates a new connection pool with the given configuration and factory.
// The factory function is called to create new connections when needed.
func NewPool[C Connection](factory func(context.Context) (C, error), cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100 // Default capacity
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = cfg.Capacity
	}

	return &Pool[C]{
		reservations: make(map[uint64]*Pooled[C]),
		live:         make(map[*Pooled[C]]struct{}),
		factory:      factory,
		capacity:     cfg.Capacity,
		maxIdle:      cfg.MaxIdle,
		maxWaiters:   cfg.MaxWaiters,
		idleTimeout:  cfg.IdleTimeout,
		maxLifetime:  cfg.MaxLifetime,
	}
}

// Get returns a connection from the pool, creating one if the pool is
// under capacity. At capacity it waits until a connection is returned or
// ctx expires, in which case it returns ErrTimeout.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	for {
		p.mu.Lock()

		// Re-check under mu: Close drains the waiter queue under mu after
		// flipping closed, so a Get that observes closed here can never
		// park and miss the drain.
		if p.closed.Load() {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Prefer a warm idle connection.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			pooled := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if p.expired(pooled) {
				p.discardLocked(pooled)
				continue
			}
			pooled.UpdateLastUsed()
			p.borrowed++
			p.mu.Unlock()
			return pooled, nil
		}

		// Room to grow?
		if len(p.live)+p.creating < p.capacity {
			p.creating++
			p.mu.Unlock()
			return p.create(ctx)
		}

		// At capacity: park until a connection or a slot frees up.
		if p.maxWaiters > 0 && len(p.waiters) >= p.maxWaiters {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		w := &waiter[C]{ch: make(chan *Pooled[C], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case pooled := <-w.ch:
			if pooled != nil {
				return pooled, nil
			}
			// A slot was freed or the pool closed; take another pass.
		case <-ctx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(w)
			p.mu.Unlock()
			if !removed {
				// A handoff raced the timeout; put the connection back.
				if pooled := <-w.ch; pooled != nil {
					_ = p.Put(pooled)
				}
			}
			return nil, ErrTimeout
		}
	}
}

// create runs the factory for a capacity slot already claimed by Get.
func (p *Pool[C]) create(ctx context.Context) (*Pooled[C], error) {
	conn, err := p.factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		// The slot is free again; let a parked Get retry.
		p.wakeOneLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	pooled := NewPooled(conn)
	p.live[pooled] = struct{}{}
	p.borrowed++
	p.mu.Unlock()

	if p.closed.Load() {
		// The pool closed while we were dialing.
		_ = p.Put(pooled)
		return nil, ErrPoolClosed
	}
	return pooled, nil
}

// Put returns a borrowed connection to the pool. Closed or expired
// connections are discarded; otherwise the connection is handed to a
// parked Get caller or kept idle.
func (p *Pool[C]) Put(pooled *Pooled[C]) error {
	if pooled == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.borrowed--

	if p.closed.Load() {
		p.discardLocked(pooled)
		return ErrPoolClosed
	}

	if p.expired(pooled) {
		p.discardLocked(pooled)
		return nil
	}

	pooled.UpdateLastUsed()

	if w := p.popWaiterLocked(); w != nil {
		// Hand off directly; the connection stays borrowed.
		p.borrowed++
		w.ch <- pooled
		return nil
	}

	if len(p.idle) >= p.maxIdle {
		p.discardLocked(pooled)
		return nil
	}

	p.idle = append(p.idle, pooled)
	return nil
}

// Reserve pins a borrowed connection to a client. The connection is no
// longer counted as borrowed and must be released with Unreserve.
// A client can hold at most one reservation.
func (p *Pool[C]) Reserve(pooled *Pooled[C], clientID uint64) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.reservations[clientID]; ok {
		if existing == pooled {
			return nil // Already reserved by this client (idempotent).
		}
		return fmt.Errorf("client %d already has a different reserved connection", clientID)
	}
	if pooled.IsReserved() {
		return fmt.Errorf("connection already reserved by client %d", pooled.ReservedBy())
	}

	pooled.markReserved(clientID)
	p.reservations[clientID] = pooled
	p.borrowed--
	p.reserved++
	return nil
}

// Unreserve releases a client's reservation and returns the connection to
// the pool. Releasing a client with no reservation is a no-op.
func (p *Pool[C]) Unreserve(clientID uint64) error {
	p.mu.Lock()
	pooled, ok := p.reservations[clientID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.reservations, clientID)
	p.reserved--
	p.borrowed++
	p.mu.Unlock()

	pooled.markUnreserved()
	return p.Put(pooled)
}

// GetReserved returns the reserved connection for a client, if any.
// Returns nil if the client has no reserved connection.
func (p *Pool[C]) GetReserved(clientID uint64) *Pooled[C] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservations[clientID]
}

// Close shuts the pool down. Idle connections are closed immediately;
// borrowed and reserved connections get until ctx expires to come back,
// after which they are closed in place. Safe against concurrent Get/Put.
func (p *Pool[C]) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	p.mu.Lock()
	for _, w := range p.waiters {
		w.ch <- nil // Wake to observe the closed pool.
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	for _, pooled := range idle {
		p.discardLocked(pooled)
	}
	p.mu.Unlock()

	// Borrowed and reserved connections drain through Put and Unreserve.
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		drained := len(p.live) == 0 && p.creating == 0
		p.mu.Unlock()
		if drained {
			return nil
		}

		select {
		case <-ctx.Done():
			// Deadline: close stragglers in place. Their holders see the
			// closed connection on next use.
			p.mu.Lock()
			for pooled := range p.live {
				if !pooled.Conn().IsClosed() {
					_ = pooled.Conn().Close()
				}
				delete(p.live, pooled)
			}
			p.mu.Unlock()
			return nil
		case <-ticker.C:
		}
	}
}

// IsClosed returns true once Close has been called.
func (p *Pool[C]) IsClosed() bool {
	return p.closed.Load()
}

// expired reports whether a connection should be discarded rather than
// handed out again.
func (p *Pool[C]) expired(pooled *Pooled[C]) bool {
	if pooled.Conn().IsClosed() {
		return true
	}
	if p.maxLifetime > 0 && pooled.Age() > p.maxLifetime {
		return true
	}
	if p.idleTimeout > 0 && pooled.IdleTime() > p.idleTimeout {
		return true
	}
	return false
}

// discardLocked closes a connection and releases its capacity slot,
// waking one parked Get so the slot can be reused. Must be called with
// mu held. Double discards are no-ops.
func (p *Pool[C]) discardLocked(pooled *Pooled[C]) {
	if _, ok := p.live[pooled]; !ok {
		return
	}
	delete(p.live, pooled)
	if !pooled.Conn().IsClosed() {
		_ = pooled.Conn().Close()
	}
	p.wakeOneLocked()
}

// wakeOneLocked sends a retry signal to the oldest parked Get, if any.
// Must be called with mu held.
func (p *Pool[C]) wakeOneLocked() {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- nil
	}
}

// popWaiterLocked removes and returns the oldest parked Get, or nil.
// Must be called with mu held.
func (p *Pool[C]) popWaiterLocked() *waiter[C] {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// removeWaiterLocked removes w from the waiter queue. Returns false if w
// was already popped for a handoff. Must be called with mu held.
func (p *Pool[C]) removeWaiterLocked(w *waiter[C]) bool {
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Active:   len(p.live) + p.creating,
		Borrowed: p.borrowed,
		Reserved: p.reserved,
		Idle:     len(p.idle),
		Waiters:  len(p.waiters),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Active   int // Total connections, including ones being created
	Borrowed int // Connections borrowed by clients
	Reserved int // Connections reserved (pinned)
	Idle     int // Connections available in pool
	Waiters  int // Get calls waiting for a connection
}
