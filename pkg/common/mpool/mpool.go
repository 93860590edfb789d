// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mpool tracks query memory. Allocation goes through Go's
// allocator; the pool only accounts bytes against a cap so the memory
// monitor can observe pressure and fail allocations past the limit.
package mpool

import (
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/common/baerr"
)

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// MPool is a named, capped byte accountant shared by one query.
type MPool struct {
	name string
	cap  int64
	used int64

	allocs atomic.Int64
}

// New creates a pool. cap <= 0 means unlimited.
func New(name string, cap int64) *MPool {
	return &MPool{name: name, cap: cap}
}

func (m *MPool) Name() string { return m.name }

// Cap returns the pool cap, or 0 when unlimited.
func (m *MPool) Cap() int64 {
	if m.cap <= 0 {
		return 0
	}
	return m.cap
}

// Used returns bytes currently accounted.
func (m *MPool) Used() int64 { return atomic.LoadInt64(&m.used) }

// FreeRatio returns the fraction of the cap still available, 1.0 when the
// pool is unlimited.
func (m *MPool) FreeRatio() float64 {
	if m.cap <= 0 {
		return 1.0
	}
	used := atomic.LoadInt64(&m.used)
	if used >= m.cap {
		return 0
	}
	return float64(m.cap-used) / float64(m.cap)
}

// Alloc accounts and returns a zeroed buffer of n bytes.
func (m *MPool) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, baerr.NewInternal("mpool %s: negative alloc %d", m.name, n)
	}
	if n == 0 {
		return nil, nil
	}
	if m.cap > 0 && atomic.AddInt64(&m.used, int64(n)) > m.cap {
		atomic.AddInt64(&m.used, -int64(n))
		return nil, baerr.NewOOM(m.name)
	}
	if m.cap <= 0 {
		atomic.AddInt64(&m.used, int64(n))
	}
	m.allocs.Add(1)
	return make([]byte, n), nil
}

// Grow reaccounts a buffer from old to new size and returns the grown
// buffer with contents preserved.
func (m *MPool) Grow(buf []byte, n int) ([]byte, error) {
	if n <= cap(buf) {
		return buf[:n], nil
	}
	nbuf, err := m.Alloc(n)
	if err != nil {
		return nil, err
	}
	copy(nbuf, buf)
	m.Free(buf)
	return nbuf, nil
}

// Free returns the buffer's bytes to the accountant.
func (m *MPool) Free(buf []byte) {
	if buf == nil {
		return
	}
	atomic.AddInt64(&m.used, -int64(len(buf)))
}

// FreeSize releases accounted bytes without a buffer, for callers that
// accounted raw sizes.
func (m *MPool) FreeSize(n int64) {
	atomic.AddInt64(&m.used, -n)
}

// AccountSize accounts raw bytes without allocating, failing past the cap.
func (m *MPool) AccountSize(n int64) error {
	if m.cap > 0 && atomic.AddInt64(&m.used, n) > m.cap {
		atomic.AddInt64(&m.used, -n)
		return baerr.NewOOM(m.name)
	}
	if m.cap <= 0 {
		atomic.AddInt64(&m.used, n)
	}
	return nil
}
