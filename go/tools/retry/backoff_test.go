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
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// delayAtAttempt advances b through attempt+1 calls to nextDelay and returns
// the last delay, i.e. the one computed for the given attempt number.
func delayAtAttempt(b backoff, attempt int) time.Duration {
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.nextDelay()
	}
	return delay
}

func TestNextDelayProgression(t *testing.T) {
	// PCG seed {1,1} yields Float64() ≈ 0.340286 on the first draw.
	const jitterSeed1x1Frac = 3402859

	tests := []struct {
		name       string
		baseDelay  time.Duration
		maxDelay   time.Duration
		attempt    int
		withJitter bool
		expected   time.Duration
	}{
		{
			name:      "base delay on first attempt",
			baseDelay: 10 * time.Millisecond,
			maxDelay:  time.Minute,
			attempt:   0,
			expected:  10 * time.Millisecond,
		},
		{
			name:      "doubled on second attempt",
			baseDelay: 10 * time.Millisecond,
			maxDelay:  time.Minute,
			attempt:   1,
			expected:  20 * time.Millisecond,
		},
		{
			name:      "doubled again on third attempt",
			baseDelay: 10 * time.Millisecond,
			maxDelay:  time.Minute,
			attempt:   2,
			expected:  40 * time.Millisecond,
		},
		{
			name:      "capped at max delay",
			baseDelay: 10 * time.Millisecond,
			maxDelay:  30 * time.Millisecond,
			attempt:   5,
			expected:  30 * time.Millisecond,
		},
		{
			name:       "full jitter with seeded rng",
			baseDelay:  10 * time.Millisecond,
			maxDelay:   time.Minute,
			attempt:    0,
			withJitter: true,
			expected:   jitterSeed1x1Frac * time.Nanosecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b backoff
			if tt.withJitter {
				b = newExponentialFullJitterBackoffWithRNG(tt.baseDelay, tt.maxDelay, rand.New(rand.NewPCG(1, 1)))
			} else {
				b = newExponentialBackoffNoJitter(tt.baseDelay, tt.maxDelay)
			}

			delay := delayAtAttempt(b, tt.attempt)
			assert.Equal(t, tt.expected, delay)
		})
	}
}

func TestNextDelayOverflowGuard(t *testing.T) {
	tests := []struct {
		name          string
		baseDelay     time.Duration
		maxDelay      time.Duration
		attempts      int
		expectedDelay time.Duration
	}{
		{
			name:          "attempt 100 caps at max",
			baseDelay:     time.Second,
			maxDelay:      time.Minute,
			attempts:      100,
			expectedDelay: time.Minute,
		},
		{
			name:          "attempt 50 caps due to overflow protection",
			baseDelay:     time.Millisecond,
			maxDelay:      time.Hour,
			attempts:      50,
			expectedDelay: time.Hour,
		},
		{
			name:          "attempt 10 computes precisely",
			baseDelay:     time.Second,
			maxDelay:      time.Hour,
			attempts:      10,
			expectedDelay: 1024 * time.Second, // 2^10 = 1024
		},
		{
			name:          "attempt 63 clamps the shift",
			baseDelay:     time.Second,
			maxDelay:      time.Hour,
			attempts:      63,
			expectedDelay: time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newExponentialBackoffNoJitter(tt.baseDelay, tt.maxDelay)

			var delay time.Duration
			assert.NotPanics(t, func() {
				delay = delayAtAttempt(b, tt.attempts)
			})

			assert.Equal(t, tt.expectedDelay, delay)
		})
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	tests := []struct {
		name        string
		baseDelay   time.Duration
		maxDelay    time.Duration
		attempts    int
		expectedMax time.Duration
	}{
		{
			name:        "full jitter at base delay",
			baseDelay:   100 * time.Millisecond,
			maxDelay:    time.Minute,
			attempts:    0,
			expectedMax: 100 * time.Millisecond,
		},
		{
			name:        "full jitter at max delay cap",
			baseDelay:   10 * time.Millisecond,
			maxDelay:    50 * time.Millisecond,
			attempts:    3, // 10 * 2^3 = 80ms, capped to 50ms
			expectedMax: 50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newExponentialFullJitterBackoff(tt.baseDelay, tt.maxDelay)

			delay := delayAtAttempt(b, tt.attempts)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, tt.expectedMax)
		})
	}
}

func TestBackoffStrategyReset(t *testing.T) {
	b := newExponentialBackoffNoJitter(10*time.Millisecond, time.Minute)

	assert.Equal(t, 10*time.Millisecond, b.nextDelay())
	assert.Equal(t, 20*time.Millisecond, b.nextDelay())

	b.reset()

	assert.Equal(t, 10*time.Millisecond, b.nextDelay())
	assert.Equal(t, 20*time.Millisecond, b.nextDelay())
}
