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
	"context"
	"time"
)

// Timer abstracts time.After so tests can substitute a fake clock.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Backoff paces the attempts of a retry loop, doubling the wait between
// attempts up to a cap. Call StartAttempt at the top of each iteration; it
// sleeps as needed and honors context cancellation.
//
//	b := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := b.StartAttempt(ctx); err != nil {
//	        return err // context ended during the wait
//	    }
//	    if result, err := dial(); err == nil {
//	        return result
//	    }
//	}
type Backoff struct {
	cfg     backoffConfig
	attempt int
	timer   Timer
}

// backoffConfig collects the knobs New and its Options set.
type backoffConfig struct {
	// BaseDelay seeds the exponential growth: attempt n waits up to
	// BaseDelay * 2^n before jitter.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay between attempts.
	MaxDelay time.Duration

	// InitialDelay makes even the first attempt wait. Set it when the
	// caller has already failed once before entering the loop.
	InitialDelay bool

	// backoff computes the actual delays. Defaults to exponential growth
	// with full jitter.
	backoff backoff
}

// Option adjusts the configuration assembled by New.
type Option func(*backoffConfig)

// WithInitialDelay makes StartAttempt wait before the first attempt too.
func WithInitialDelay() Option {
	return func(c *backoffConfig) { c.InitialDelay = true }
}

// New returns a Backoff that grows delays exponentially from baseDelay up
// to maxDelay, randomized with full jitter. Panics if either duration is
// non-positive or baseDelay exceeds maxDelay.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Backoff {
	if baseDelay <= 0 {
		panic("retry: BaseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: MaxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: BaseDelay cannot be greater than MaxDelay")
	}

	cfg := backoffConfig{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		backoff:   newExponentialFullJitterBackoff(baseDelay, maxDelay),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Backoff{
		cfg:   cfg,
		timer: realTimer{},
	}
}

// StartAttempt blocks until the next attempt may begin. The first call
// returns immediately unless WithInitialDelay was set; later calls sleep for
// the strategy's next delay. It returns ctx.Err() if the context ends before
// the wait does.
func (b *Backoff) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	shouldWait := b.attempt > 0 || b.cfg.InitialDelay
	if shouldWait {
		delay := b.cfg.backoff.nextDelay()
		select {
		case <-b.timer.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.attempt++
	return nil
}

// Attempt reports how many attempts have started: 0 before the first
// StartAttempt call, 1 after it, and so on.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset rewinds the delay growth to BaseDelay without touching the counter
// reported by Attempt. Call it once the operation has been healthy long
// enough that a future failure should back off from scratch.
func (b *Backoff) Reset() {
	b.cfg.backoff.reset()
}

// Attempts adapts the loop to a range-over-func iterator. Each iteration
// yields the attempt number and a nil error; once the context ends, the
// final iteration yields ctx.Err() instead.
//
//	for attempt, err := range b.Attempts(ctx) {
//	    if err != nil {
//	        return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
//	    }
//	    if result, err := dial(); err == nil {
//	        return result
//	    }
//	}
func (b *Backoff) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := b.StartAttempt(ctx)
			if !yield(b.attempt, err) {
				return
			}
		}
	}
}
