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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer is a deterministic timer for testing that completes immediately.
type fakeTimer struct {
	delays []time.Duration
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.delays = append(f.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// fakeBackoff hands out scripted delays so the retry loop can be tested
// without real timing.
type fakeBackoff struct {
	delays       []time.Duration
	attempt      int
	nextDelayNum int   // total nextDelay() calls
	resetsAt     []int // nextDelay() call counts at which reset() fired
}

func (f *fakeBackoff) nextDelay() time.Duration {
	var delay time.Duration
	switch {
	case f.attempt < len(f.delays):
		delay = f.delays[f.attempt]
	case len(f.delays) > 0:
		delay = f.delays[len(f.delays)-1]
	default:
		delay = 1 * time.Second
	}
	f.attempt++
	f.nextDelayNum++
	return delay
}

func (f *fakeBackoff) reset() {
	f.resetsAt = append(f.resetsAt, f.nextDelayNum)
	f.attempt = 0
}

// withBackoff swaps in a scripted strategy; only tests use it.
func withBackoff(b backoff) Option {
	return func(c *backoffConfig) { c.backoff = b }
}

// newBackoffWithFakes creates a Backoff with predetermined delays and a fake timer.
func newBackoffWithFakes(delays []time.Duration, opts ...Option) (*Backoff, *fakeTimer, *fakeBackoff) {
	fb := &fakeBackoff{delays: delays}
	allOpts := append([]Option{withBackoff(fb)}, opts...)
	b := New(1*time.Millisecond, 1*time.Minute, allOpts...)
	ft := &fakeTimer{}
	b.timer = ft
	return b, ft, fb
}

func TestNew(t *testing.T) {
	b := New(500*time.Millisecond, time.Minute)
	assert.Equal(t, 500*time.Millisecond, b.cfg.BaseDelay)
	assert.Equal(t, time.Minute, b.cfg.MaxDelay)
	assert.IsType(t, &exponentialFullJitterBackoff{}, b.cfg.backoff, "should use exponential full jitter by default")
	assert.Equal(t, 0, b.attempt, "should start at attempt 0")
}

func TestNew_PanicsOnInvalidConfig(t *testing.T) {
	tests := []struct {
		name      string
		baseDelay time.Duration
		maxDelay  time.Duration
		panics    bool
	}{
		{name: "negative BaseDelay", baseDelay: -1 * time.Second, maxDelay: time.Minute, panics: true},
		{name: "zero BaseDelay", baseDelay: 0, maxDelay: time.Minute, panics: true},
		{name: "negative MaxDelay", baseDelay: time.Second, maxDelay: -1 * time.Minute, panics: true},
		{name: "zero MaxDelay", baseDelay: time.Second, maxDelay: 0, panics: true},
		{name: "BaseDelay greater than MaxDelay", baseDelay: time.Minute, maxDelay: time.Second, panics: true},
		{name: "valid config", baseDelay: time.Second, maxDelay: time.Minute, panics: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.panics {
				assert.Panics(t, func() {
					New(tt.baseDelay, tt.maxDelay)
				})
			} else {
				assert.NotPanics(t, func() {
					b := New(tt.baseDelay, tt.maxDelay)
					assert.NotNil(t, b)
				})
			}
		})
	}
}

func TestStartAttempt_FirstAttemptNoDelay(t *testing.T) {
	delays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	b, ft, _ := newBackoffWithFakes(delays)

	// First call should return immediately without waiting.
	err := b.StartAttempt(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, b.Attempt())
	assert.Empty(t, ft.delays, "first attempt should not wait")

	// Second call should wait with backoff.
	err = b.StartAttempt(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Attempt())
	require.Len(t, ft.delays, 1)
	assert.Equal(t, delays[0], ft.delays[0])

	// Third call should wait with larger backoff.
	err = b.StartAttempt(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, b.Attempt())
	require.Len(t, ft.delays, 2)
	assert.Equal(t, delays[1], ft.delays[1])
}

func TestStartAttempt_WithInitialDelay(t *testing.T) {
	delays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	b, ft, _ := newBackoffWithFakes(delays, WithInitialDelay())

	// First call should wait when WithInitialDelay is set.
	err := b.StartAttempt(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, b.Attempt())
	require.Len(t, ft.delays, 1)
	assert.Equal(t, delays[0], ft.delays[0])

	err = b.StartAttempt(context.Background())
	assert.NoError(t, err)
	require.Len(t, ft.delays, 2)
	assert.Equal(t, delays[1], ft.delays[1])
}

func TestStartAttempt_ContextCancelled(t *testing.T) {
	b, _, _ := newBackoffWithFakes([]time.Duration{10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.StartAttempt(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Attempt(), "should not increment attempt on context error")
}

func TestStartAttempt_ContextCancelledDuringWait(t *testing.T) {
	b := New(10*time.Millisecond, time.Minute, withBackoff(newExponentialBackoffNoJitter(10*time.Millisecond, time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())

	err := b.StartAttempt(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, b.Attempt())

	cancel()
	err = b.StartAttempt(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, b.Attempt(), "attempt stays at 1 since the second never started")
}

func TestReset(t *testing.T) {
	delays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}
	b, _, fb := newBackoffWithFakes(delays)
	ctx := context.Background()

	require.NoError(t, b.StartAttempt(ctx)) // No wait (first attempt), attempt 1
	require.NoError(t, b.StartAttempt(ctx)) // Wait 10ms (nextDelay #1), attempt 2
	require.NoError(t, b.StartAttempt(ctx)) // Wait 20ms (nextDelay #2), attempt 3

	b.Reset()

	require.NoError(t, b.StartAttempt(ctx)) // Wait 10ms again (nextDelay #3), attempt 4

	require.Len(t, fb.resetsAt, 1)
	assert.Equal(t, 2, fb.resetsAt[0], "reset called after 2nd nextDelay()")

	// Attempt() counter is never reset.
	assert.Equal(t, 4, b.Attempt())
}

func TestAttempts_SuccessfulAttempts(t *testing.T) {
	b := New(10*time.Millisecond, 100*time.Millisecond)
	b.timer = &fakeTimer{}

	ctx := context.Background()
	attemptCount := 0

	for attempt, err := range b.Attempts(ctx) {
		require.NoError(t, err)
		attemptCount++
		assert.Equal(t, attemptCount, attempt, "attempt number should match iteration count")
		if attemptCount == 3 {
			break
		}
	}

	assert.Equal(t, 3, attemptCount)
}

func TestAttempts_ContextCancelled(t *testing.T) {
	b := New(10*time.Millisecond, 100*time.Millisecond)
	b.timer = &fakeTimer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for attempt, err := range b.Attempts(ctx) {
		if attempt == 3 {
			cancel()
		}
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 3, attempt)
			return
		}
	}

	t.Fatal("expected context cancellation error, but loop ended without error")
}

func TestAttempts_EarlyBreak(t *testing.T) {
	ft := &fakeTimer{}
	b := New(10*time.Millisecond, 100*time.Millisecond)
	b.timer = ft

	ctx := context.Background()
	attemptCount := 0

	for _, err := range b.Attempts(ctx) {
		require.NoError(t, err)
		attemptCount++
		if attemptCount == 2 {
			break
		}
	}

	assert.Equal(t, 2, attemptCount)
	assert.Len(t, ft.delays, 1, "first attempt has no delay")
}

func TestAttempts_ContextTimeout(t *testing.T) {
	b := New(10*time.Millisecond, time.Second, withBackoff(newExponentialBackoffNoJitter(10*time.Millisecond, time.Second)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var lastErr error
	for _, err := range b.Attempts(ctx) {
		if err != nil {
			lastErr = err
			break
		}
		// Operation always fails; the loop times out eventually.
	}

	assert.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled))
	assert.Greater(t, b.Attempt(), 0, "should have made at least one attempt")
}
