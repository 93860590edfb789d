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

// Package kernel defines the operator-instance contract. A kernel is a
// compute node with named input and output caches and a Run loop; the
// graph wires and schedules them.
package kernel

import (
	"bytes"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// DefaultPort is the port name used by single-input single-output kernels.
const DefaultPort = "default"

// State is the kernel lifecycle.
type State int32

const (
	Uninitialized State = iota
	Ready
	Running
	Finished
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == Finished || s == Failed || s == Cancelled
}

// Kernel is the operator-instance contract.
type Kernel interface {
	// Base exposes the shared port/counter state.
	Base() *Base
	// Describe appends a one-line human description for logs and dumps.
	Describe(buf *bytes.Buffer)
	// Prepare runs once before Run, after all edges are bound.
	Prepare(proc *process.Process) error
	// Run pulls inputs until drained, pushing results downstream. It must
	// return promptly after cancellation and must not emit after its
	// outputs are closed.
	Run(proc *process.Process) error
	// Release frees kernel-owned state after the terminal transition.
	Release()
}

// Base carries the state every kernel shares: id, name, bound ports,
// lifecycle state and lock-free progress counters.
type Base struct {
	id   int32
	name string

	inputs  map[string]*cache.Data
	outputs map[string]*cache.Data

	state   int32
	batches int64
	rows    int64
}

func NewBase(id int32, name string) Base {
	return Base{
		id:      id,
		name:    name,
		inputs:  make(map[string]*cache.Data),
		outputs: make(map[string]*cache.Data),
	}
}

func (b *Base) ID() int32 { return b.id }

func (b *Base) Name() string { return b.name }

func (b *Base) State() State { return State(atomic.LoadInt32(&b.state)) }

func (b *Base) SetState(s State) { atomic.StoreInt32(&b.state, int32(s)) }

// BindInput attaches an input cache to a port. The graph is the only
// caller.
func (b *Base) BindInput(port string, c *cache.Data) { b.inputs[port] = c }

// BindOutput attaches an output cache to a port.
func (b *Base) BindOutput(port string, c *cache.Data) { b.outputs[port] = c }

func (b *Base) Input(port string) *cache.Data { return b.inputs[port] }

func (b *Base) Output(port string) *cache.Data { return b.outputs[port] }

func (b *Base) DefaultInput() *cache.Data { return b.inputs[DefaultPort] }

func (b *Base) DefaultOutput() *cache.Data { return b.outputs[DefaultPort] }

func (b *Base) Inputs() map[string]*cache.Data { return b.inputs }

func (b *Base) Outputs() map[string]*cache.Data { return b.outputs }

// CloseOutputs closes every output cache. Cache close is idempotent, so a
// kernel reaching its terminal state may call this unconditionally.
func (b *Base) CloseOutputs() {
	for _, c := range b.outputs {
		c.Close()
	}
}

// CountBatch bumps the progress counters for one emitted batch.
func (b *Base) CountBatch(bat *batch.Batch) {
	atomic.AddInt64(&b.batches, 1)
	atomic.AddInt64(&b.rows, int64(bat.RowCount()))
}

// BatchesCompleted returns batches emitted so far.
func (b *Base) BatchesCompleted() int64 { return atomic.LoadInt64(&b.batches) }

// RowsCompleted returns rows emitted so far.
func (b *Base) RowsCompleted() int64 { return atomic.LoadInt64(&b.rows) }

// Describe writes the kernel name; concrete kernels add parameters.
func (b *Base) Describe(buf *bytes.Buffer) {
	buf.WriteString(b.name)
}
