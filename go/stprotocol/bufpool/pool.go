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

// Package bufpool provides size-bucketed byte buffer pooling for message I/O.
package bufpool

import (
	"math/bits"
	"sync"
)

// Pool recycles byte buffers across a range of sizes. Buckets grow by powers
// of two from minSize to maxSize; requests larger than maxSize are allocated
// directly and never recycled.
type Pool struct {
	minSize int
	maxSize int
	buckets []*sync.Pool
}

// New creates a pool with buckets [minSize, 2*minSize, ..., maxSize].
// Both sizes must be powers of two with maxSize >= minSize.
func New(minSize, maxSize int) *Pool {
	if minSize <= 0 || minSize&(minSize-1) != 0 {
		panic("bufpool: minSize must be a positive power of two")
	}
	if maxSize < minSize || maxSize&(maxSize-1) != 0 {
		panic("bufpool: maxSize must be a power of two >= minSize")
	}

	p := &Pool{minSize: minSize, maxSize: maxSize}
	for size := minSize; size <= maxSize; size *= 2 {
		bucketSize := size
		p.buckets = append(p.buckets, &sync.Pool{
			New: func() any {
				buf := make([]byte, bucketSize)
				return &buf
			},
		})
	}
	return p
}

// bucketFor returns the index of the smallest bucket holding size bytes,
// or -1 when size exceeds the largest bucket.
func (p *Pool) bucketFor(size int) int {
	if size > p.maxSize {
		return -1
	}
	if size <= p.minSize {
		return 0
	}
	// Index of the first power-of-two multiple of minSize >= size.
	idx := bits.Len64(uint64(size-1)) - bits.Len64(uint64(p.minSize)) + 1
	if idx >= len(p.buckets) {
		idx = len(p.buckets) - 1
	}
	return idx
}

// Get returns a buffer with length exactly size. Buffers over maxSize are
// heap-allocated and will be dropped on Put.
func (p *Pool) Get(size int) *[]byte {
	idx := p.bucketFor(size)
	if idx < 0 {
		buf := make([]byte, size)
		return &buf
	}
	buf := p.buckets[idx].Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// Put returns a buffer for reuse. Buffers whose capacity does not match a
// bucket are discarded.
func (p *Pool) Put(buf *[]byte) {
	c := cap(*buf)
	idx := p.bucketFor(c)
	if idx < 0 || (1<<idx)*p.minSize != c {
		return
	}
	*buf = (*buf)[:c]
	p.buckets[idx].Put(buf)
}
