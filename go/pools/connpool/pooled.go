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
	"sync/atomic"
	"time"
)

// Pooled carries a connection through the pool along with the timestamps
// and reservation state the pool tracks per connection.
type Pooled[C Connection] struct {
	// conn is the wrapped connection.
	conn C

	// createdAt is when the connection was established.
	createdAt time.Time

	// lastUsedAt is stamped whenever the connection is borrowed or
	// returned, as a Unix timestamp in nanoseconds.
	lastUsedAt atomic.Int64

	// reserved marks the connection as pinned to a single client. Pinned
	// connections are skipped when handing out idle connections.
	reserved atomic.Bool

	// reservedBy records which client holds the pin; meaningful only
	// while reserved is set.
	reservedBy atomic.Uint64
}

// NewPooled wraps conn for use in a pool and stamps both timestamps.
func NewPooled[C Connection](conn C) *Pooled[C] {
	now := time.Now()
	p := &Pooled[C]{
		conn:      conn,
		createdAt: now,
	}
	p.lastUsedAt.Store(now.UnixNano())
	return p
}

// Conn returns the wrapped connection.
func (p *Pooled[C]) Conn() C {
	return p.conn
}

// CreatedAt reports when the connection was established.
func (p *Pooled[C]) CreatedAt() time.Time {
	return p.createdAt
}

// LastUsedAt reports when the connection was last borrowed or returned.
func (p *Pooled[C]) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsedAt.Load())
}

// UpdateLastUsed stamps the connection as used just now.
func (p *Pooled[C]) UpdateLastUsed() {
	p.lastUsedAt.Store(time.Now().UnixNano())
}

// IsReserved reports whether the connection is pinned to a client.
func (p *Pooled[C]) IsReserved() bool {
	return p.reserved.Load()
}

// markReserved pins the connection to the given client.
func (p *Pooled[C]) markReserved(clientID uint64) {
	p.reserved.Store(true)
	p.reservedBy.Store(clientID)
}

// markUnreserved releases the pin.
func (p *Pooled[C]) markUnreserved() {
	p.reserved.Store(false)
	p.reservedBy.Store(0)
}

// ReservedBy returns the pinning client's ID; meaningful only while
// IsReserved reports true.
func (p *Pooled[C]) ReservedBy() uint64 {
	return p.reservedBy.Load()
}

// Age reports how long the connection has existed.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime reports how long the connection has gone unused.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.LastUsedAt())
}
