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

// Package cache implements the bounded batch FIFO between kernels: put
// with byte-capacity backpressure, pull with drain semantics, a close
// signal, a concatenating policy and a for-each partitioned policy.
package cache

import (
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/spill"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// waitTick bounds every blocking wait so cancellation is observed even if
// a wakeup is lost.
const waitTick = 100 * time.Millisecond

// New creates a cache. name shows up in logs and debug dumps.
func New(proc *process.Process, name string, settings Settings) *Data {
	n := settings.NumPartitions
	if settings.Kind != ForEach || n <= 0 {
		n = 1
	}
	if settings.Kind == Concatenating && settings.ConcatBytes <= 0 {
		settings.ConcatBytes = DefaultConcatBytes
	}
	c := &Data{
		name:      name,
		settings:  settings,
		proc:      proc,
		parts:     make([][]*entry, n),
		notFullC:  make(chan struct{}),
		notEmptyC: make(chan struct{}),
		doneC:     make(chan struct{}),
	}
	return c
}

func (c *Data) Name() string { return c.name }

func (c *Data) Kind() Kind { return c.settings.Kind }

func (c *Data) NumPartitions() int { return len(c.parts) }

// BindSpillStore attaches the query's spill store so the memory monitor
// can evict and pullers can re-materialize.
func (c *Data) BindSpillStore(store *spill.Store) {
	c.mu.Lock()
	c.store = store
	c.mu.Unlock()
}

func (c *Data) signalNotFull() {
	close(c.notFullC)
	c.notFullC = make(chan struct{})
}

func (c *Data) signalNotEmpty() {
	close(c.notEmptyC)
	c.notEmptyC = make(chan struct{})
}

// Put enqueues bat, blocking while the cache is over capacity or paused.
// Ownership of bat transfers to the cache on success. Returns
// OkCacheClosed after Close and OkQueryCancelled after cancellation.
func (c *Data) Put(bat *batch.Batch) error {
	return c.PutPartition(bat, -1)
}

// PutPartition enqueues into an explicit sub-queue; part < 0 round-robins.
func (c *Data) PutPartition(bat *batch.Batch, part int) error {
	size := int64(bat.Size())
	for {
		select {
		case <-c.proc.Ctx.Done():
			return baerr.NewQueryCancelled()
		default:
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return baerr.NewCacheClosed()
		}
		// A producer may overshoot an empty cache: a single batch larger
		// than the capacity must still make progress.
		if !c.paused && (c.settings.CapacityBytes <= 0 ||
			c.bytes+size <= c.settings.CapacityBytes || c.empty()) {
			idx := part
			if idx < 0 {
				idx = c.putIdx % len(c.parts)
				c.putIdx++
			}
			c.enqueue(bat, size, idx)
			c.signalNotEmpty()
			c.mu.Unlock()
			return nil
		}
		waitC := c.notFullC
		c.mu.Unlock()

		select {
		case <-waitC:
		case <-c.proc.Ctx.Done():
			return baerr.NewQueryCancelled()
		case <-time.After(waitTick):
		}
	}
}

func (c *Data) empty() bool {
	for _, q := range c.parts {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// enqueue assumes c.mu held.
func (c *Data) enqueue(bat *batch.Batch, size int64, idx int) {
	rows := int64(bat.RowCount())
	if c.settings.Kind == Concatenating {
		q := c.parts[idx]
		if n := len(q); n > 0 && q[n-1].concat && q[n-1].bat != nil &&
			q[n-1].bytes+size <= c.settings.ConcatBytes &&
			q[n-1].bat.SameSchema(bat) {
			tail := q[n-1]
			if _, err := tail.bat.Append(c.proc.Mp, bat); err == nil {
				bat.Clean(c.proc.Mp)
				tail.bytes += size
				tail.rows += rows
				c.bytes += size
				c.rowsIn += rows
				c.batchesIn++
				return
			}
			// fall through to a fresh slot if the fuse failed
		}
		c.parts[idx] = append(q, &entry{bat: bat, bytes: size, rows: rows, concat: true})
	} else {
		c.parts[idx] = append(c.parts[idx], &entry{bat: bat, bytes: size, rows: rows})
	}
	c.bytes += size
	c.rowsIn += rows
	c.batchesIn++
}

// Pull dequeues the next batch in FIFO order, blocking while the cache is
// empty and open. Returns (nil, nil) once closed and drained.
func (c *Data) Pull() (*batch.Batch, error) {
	return c.PullPartition(-1)
}

// PullPartition dequeues from an explicit sub-queue; part < 0 scans in
// round-robin order.
func (c *Data) PullPartition(part int) (*batch.Batch, error) {
	for {
		select {
		case <-c.proc.Ctx.Done():
			return nil, baerr.NewQueryCancelled()
		default:
		}
		c.mu.Lock()
		if e, ok := c.dequeue(part); ok {
			closedNow := c.closed && c.empty()
			c.signalNotFull()
			store := c.store
			c.mu.Unlock()
			if closedNow {
				c.markDone()
			}
			return c.materialize(e, store)
		}
		if c.closed {
			c.mu.Unlock()
			c.markDone()
			return nil, nil
		}
		waitC := c.notEmptyC
		c.mu.Unlock()

		select {
		case <-waitC:
		case <-c.proc.Ctx.Done():
			return nil, baerr.NewQueryCancelled()
		case <-time.After(waitTick):
		}
	}
}

// dequeue assumes c.mu held.
func (c *Data) dequeue(part int) (*entry, bool) {
	if part >= 0 {
		q := c.parts[part]
		if len(q) == 0 {
			return nil, false
		}
		e := q[0]
		c.parts[part] = q[1:]
		c.account(e)
		return e, true
	}
	for i := 0; i < len(c.parts); i++ {
		idx := (c.pullIdx + i) % len(c.parts)
		if len(c.parts[idx]) > 0 {
			e := c.parts[idx][0]
			c.parts[idx] = c.parts[idx][1:]
			c.pullIdx = idx + 1
			c.account(e)
			return e, true
		}
	}
	return nil, false
}

func (c *Data) account(e *entry) {
	c.bytes -= e.bytes
	c.rowsOut += e.rows
	c.batchesOut++
}

func (c *Data) materialize(e *entry, store *spill.Store) (*batch.Batch, error) {
	if e.ref == nil {
		return e.bat, nil
	}
	if store == nil {
		return nil, baerr.NewInternal("cache %s holds spilled batch without a store", c.name)
	}
	return store.Read(e.ref, c.proc.Mp)
}

// TryPull dequeues without blocking. ok is false when nothing was queued;
// drained reports closed-and-empty.
func (c *Data) TryPull() (bat *batch.Batch, ok bool, drained bool, err error) {
	c.mu.Lock()
	if e, got := c.dequeue(-1); got {
		store := c.store
		c.signalNotFull()
		c.mu.Unlock()
		b, err := c.materialize(e, store)
		return b, true, false, err
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.markDone()
	}
	return nil, false, closed, nil
}

// Close marks the producer side finished. Idempotent; unblocks all
// waiters.
func (c *Data) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.signalNotEmpty()
	c.signalNotFull()
	drained := c.empty()
	c.mu.Unlock()
	if drained {
		c.markDone()
	}
}

func (c *Data) markDone() {
	c.mu.Lock()
	select {
	case <-c.doneC:
	default:
		close(c.doneC)
	}
	c.mu.Unlock()
}

// Finished reports closed-and-drained.
func (c *Data) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && c.empty()
}

// WaitUntilFinished blocks until the cache is closed and drained or the
// query is cancelled.
func (c *Data) WaitUntilFinished() error {
	for {
		select {
		case <-c.doneC:
			return nil
		case <-c.proc.Ctx.Done():
			return baerr.NewQueryCancelled()
		case <-time.After(waitTick):
			if c.Finished() {
				return nil
			}
		}
	}
}

// Pause makes producers block regardless of capacity. Only the memory
// monitor calls this.
func (c *Data) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a Pause.
func (c *Data) Resume() {
	c.mu.Lock()
	c.paused = false
	c.signalNotFull()
	c.mu.Unlock()
}

// BytesQueued returns the bytes currently held.
func (c *Data) BytesQueued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// EstimatedRows returns rows received so far and whether the producer
// already closed the cache (making the figure exact).
func (c *Data) EstimatedRows() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowsIn, c.closed
}

// BatchesOut returns batches handed to pullers, for progress snapshots.
func (c *Data) BatchesOut() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchesOut
}

// SpillOldest evicts queued batches oldest-first until at least wantBytes
// of live memory is released, returning the bytes released.
func (c *Data) SpillOldest(wantBytes int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0, nil
	}
	var released int64
outer:
	for _, q := range c.parts {
		for _, e := range q {
			if released >= wantBytes {
				break outer
			}
			if e.bat == nil || e.ref != nil {
				continue
			}
			ref, err := c.store.Write(e.bat)
			if err != nil {
				return released, err
			}
			e.bat.Clean(c.proc.Mp)
			e.ref = ref
			e.bat = nil
			released += e.bytes
			c.bytes -= e.bytes
			e.bytes = 0
		}
	}
	if released > 0 {
		c.signalNotFull()
	}
	return released, nil
}
