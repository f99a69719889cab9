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

package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// backoff computes the delay before each retry attempt. Implementations pick
// the growth strategy and keep their own state.
//
// Implementations must be safe for concurrent use: reset() may be called
// from a different goroutine than nextDelay().
type backoff interface {
	// nextDelay returns the delay to wait before the next attempt and
	// advances the internal attempt counter.
	nextDelay() time.Duration

	// reset rewinds the strategy to its initial delay.
	reset()
}

// exponentialFullJitterBackoff implements the "Full Jitter" algorithm
// recommended by AWS:
//
//	sleep = random_between(0, min(cap, base * 2^attempt))
//
// Full Jitter provides maximum randomization to prevent thundering herd
// problems where multiple clients retry at the same time.
//
// Reference: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type exponentialFullJitterBackoff struct {
	baseDelay     time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand
	disableJitter bool // skips randomization so tests see raw delays

	mu      sync.Mutex
	attempt int // 0-indexed, guarded by mu
}

// newExponentialFullJitterBackoff returns the strategy seeded from the clock.
func newExponentialFullJitterBackoff(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	seed := uint64(time.Now().UnixNano())
	return newExponentialFullJitterBackoffWithRNG(baseDelay, maxDelay, rand.New(rand.NewPCG(seed, seed)))
}

// newExponentialFullJitterBackoffWithRNG returns the strategy with a caller
// supplied RNG so tests can seed it deterministically.
func newExponentialFullJitterBackoffWithRNG(baseDelay, maxDelay time.Duration, rng *rand.Rand) *exponentialFullJitterBackoff {
	return &exponentialFullJitterBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rng,
	}
}

// newExponentialBackoffNoJitter returns the strategy with randomization
// disabled entirely.
func newExponentialBackoffNoJitter(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	return &exponentialFullJitterBackoff{
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		disableJitter: true,
	}
}

// nextDelay doubles the delay on every call, caps it at maxDelay, and
// randomizes the result over [0, delay) unless jitter is disabled.
func (e *exponentialFullJitterBackoff) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempt := e.attempt

	// Shifting more than 62 bits would overflow int64.
	if attempt > 62 {
		attempt = 62
	}

	multiplier := int64(1 << attempt)
	baseDelayInt := int64(e.baseDelay)

	var delay time.Duration
	if baseDelayInt > 0 && multiplier > math.MaxInt64/baseDelayInt {
		delay = e.maxDelay
	} else {
		delay = time.Duration(baseDelayInt * multiplier)
		if delay > e.maxDelay {
			delay = e.maxDelay
		}
	}

	// Apply Full Jitter: randomize between 0 and the computed delay.
	// rand.Rand is not thread-safe, so we call it while holding the mutex.
	if !e.disableJitter {
		delay = time.Duration(float64(delay) * e.rng.Float64())
	}

	e.attempt++

	return delay
}

// reset rewinds to the initial delay.
func (e *exponentialFullJitterBackoff) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}
