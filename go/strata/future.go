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
	"sync/atomic"
)

// Future states. Exactly one transition away from pending happens (the
// dispatcher fulfills, or an abort wins), and exactly one transition into a
// terminal state (resolved or aborted) consumes the handle. Both are
// enforced by CAS.
const (
	futurePending uint32 = iota
	futureReady
	futureResolved
	futureAborted
)

// Future is the handle to an asynchronously submitted query. It is created
// by Transaction.QueryAsync and consumed by Resolve or Abort. Abort may
// race one concurrent Resolve; any other concurrent use is not supported.
type Future struct {
	state atomic.Uint32

	// done is closed exactly once, by whichever of fulfill or abort moves
	// the state away from pending. result and err are written before the
	// close and read only after a successful claim of the ready state.
	done   chan struct{}
	result *QueryResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// IsReady reports whether the query's outcome has arrived, so Resolve will
// not block. It never fails and does not consume the future.
func (f *Future) IsReady() bool {
	return f.state.Load() != futurePending
}

// Resolve waits for the query's outcome and consumes the future. A failing
// query resolves to its error. Resolving a second time, or after an abort,
// fails with a state error. Cancelling the context while waiting aborts
// the future and returns the context error.
func (f *Future) Resolve(ctx context.Context) (*QueryResult, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Abort()
		return nil, wrapError(KindQuery, ctx.Err(), "query resolution cancelled")
	}

	switch {
	case f.state.CompareAndSwap(futureReady, futureResolved):
		return f.result, f.err
	case f.state.Load() == futureAborted:
		return nil, newError(KindState, "future was aborted")
	default:
		return nil, newError(KindState, "future already resolved")
	}
}

// Abort consumes the future without delivering its result. A still-queued
// query is never sent; an in-flight or completed one has its result
// discarded. Aborting a consumed future is a no-op.
func (f *Future) Abort() {
	if f.state.CompareAndSwap(futurePending, futureAborted) {
		close(f.done)
		return
	}
	// Result already arrived but was not claimed yet: discard it.
	f.state.CompareAndSwap(futureReady, futureAborted)
}

// fulfill delivers the query's outcome. It reports false when an abort won
// the race, in which case the outcome is discarded.
func (f *Future) fulfill(result *QueryResult, err error) bool {
	f.result = result
	f.err = err
	if !f.state.CompareAndSwap(futurePending, futureReady) {
		f.result = nil
		f.err = nil
		return false
	}
	close(f.done)
	return true
}
