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

// Package connpool provides a capacity-bounded connection pool with
// client reservations. Callers that need exclusive use of a connection
// across several requests (a transaction, typically) reserve it; everyone
// else borrows and returns. When the pool is at capacity, Get waits for a
// connection to come back instead of failing.
package connpool

// Connection is a pooled connection. Close must be idempotent and safe to
// call concurrently with in-flight use; the pool calls it during forced
// shutdown while a borrower may still hold the connection.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}
