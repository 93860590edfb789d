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

// Package process holds the per-query shared state: the context token, the
// cancellation context, the memory pool, the node roster and the option
// map. One query has exactly one Process; kernels receive it at run time.
package process

import (
	"context"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/logutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Node identifies one process of the cluster.
type Node struct {
	ID      uint16
	Address string
}

// Process is the per-query shared state.
type Process struct {
	// Token identifies the query across the cluster.
	Token uint32
	// UUID is a random id assigned at construction. Log lines carry Token
	// as query_id, not this value.
	UUID uuid.UUID

	Ctx    context.Context
	cancel context.CancelFunc

	Mp *mpool.MPool

	// SelfID is this node's index in Nodes.
	SelfID uint16
	Nodes  []Node

	// Options is the query option map, read-only after construction.
	Options map[string]string

	Logger *zap.Logger

	counters *stepCounters
}

// stepCounters are shared across clones so message rounds stay globally
// ordered within one query.
type stepCounters struct {
	step    uint32
	substep uint32
}

// New creates a process for one query. token must be cluster-unique for
// the query's lifetime.
func New(ctx context.Context, token uint32, mp *mpool.MPool, options map[string]string) *Process {
	cctx, cancel := context.WithCancel(ctx)
	if options == nil {
		options = make(map[string]string)
	}
	id := uuid.New()
	proc := &Process{
		Token:   token,
		UUID:    id,
		Ctx:     cctx,
		cancel:  cancel,
		Mp:      mp,
		Options: options,
		Nodes:   []Node{{ID: 0}},

		counters: &stepCounters{},
	}
	proc.Logger = logutil.GetLogger().With(
		zap.Uint32("query_id", token),
	)
	return proc
}

// SetNodes installs the cluster roster. self must index into nodes.
func (proc *Process) SetNodes(self uint16, nodes []Node) {
	proc.SelfID = self
	proc.Nodes = nodes
}

// NumNodes returns the cluster size, at least 1.
func (proc *Process) NumNodes() int {
	if len(proc.Nodes) == 0 {
		return 1
	}
	return len(proc.Nodes)
}

// Cancel sets the query's cancellation flag. All blocking cache and
// transport operations observe it on their next wake.
func (proc *Process) Cancel() { proc.cancel() }

// Cancelled reports whether the query has been cancelled.
func (proc *Process) Cancelled() bool {
	select {
	case <-proc.Ctx.Done():
		return true
	default:
		return false
	}
}

// Step returns the current step label.
func (proc *Process) Step() uint32 { return atomic.LoadUint32(&proc.counters.step) }

// Substep returns the current substep label.
func (proc *Process) Substep() uint32 { return atomic.LoadUint32(&proc.counters.substep) }

// IncrementStep advances the step label.
func (proc *Process) IncrementStep() uint32 { return atomic.AddUint32(&proc.counters.step, 1) }

// IncrementSubstep advances the substep label. Distributed operators use
// it to disambiguate rounds of message exchange within one step.
func (proc *Process) IncrementSubstep() uint32 { return atomic.AddUint32(&proc.counters.substep, 1) }

// Clone returns a handle sharing the query's token, context, pool,
// roster and step counters.
func (proc *Process) Clone() *Process {
	clone := *proc
	return &clone
}
