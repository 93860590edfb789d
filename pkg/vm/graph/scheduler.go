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

package graph

import (
	"context"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/stopper"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/panjf2000/ants/v2"
)

// progressInterval bounds how often the progress callback fires.
const progressInterval = 250 * time.Millisecond

// StartExecute submits one task per kernel onto a fixed-size worker pool
// in topological order. Tasks coordinate only through caches.
func (g *Graph) StartExecute(maxKernelRunThreads int) error {
	if maxKernelRunThreads <= 0 {
		maxKernelRunThreads = 16
	}

	g.exec.Lock()
	defer g.exec.Unlock()
	if g.exec.started {
		return baerr.NewInternal("graph already started")
	}

	pool, err := ants.NewPool(maxKernelRunThreads)
	if err != nil {
		return baerr.NewInternal("worker pool: %v", err)
	}
	g.exec.started = true
	g.exec.done = make(map[int32]chan struct{}, len(g.ordered))
	g.pool = pool

	if g.monitor != nil {
		g.monitor.Start(g)
	}

	for _, id := range g.OrderedKernelIDs() {
		k := g.GetNode(id)
		done := make(chan struct{})
		g.exec.done[id] = done
		task := func() {
			defer close(done)
			g.runKernel(k)
		}
		if err := pool.Submit(task); err != nil {
			close(done)
			g.SetError(baerr.NewInternal("submit kernel %d: %v", id, err))
		}
	}
	return nil
}

// runKernel drives one kernel through its lifecycle. Whatever happens,
// every output cache ends up closed exactly once and the terminal state
// is recorded.
func (g *Graph) runKernel(k kernel.Kernel) {
	b := k.Base()
	defer b.CloseOutputs()

	b.SetState(kernel.Ready)
	if err := k.Prepare(g.proc); err != nil {
		g.SetError(baerr.NewKernelf(b.ID(), "prepare: %v", err))
		b.SetState(kernel.Failed)
		return
	}

	b.SetState(kernel.Running)
	err := k.Run(g.proc)
	switch {
	case err == nil:
		b.SetState(kernel.Finished)
	case baerr.IsCode(err, baerr.OkQueryCancelled):
		b.SetState(kernel.Cancelled)
	case baerr.IsCode(err, baerr.OkCacheClosed):
		// downstream went away first; treat as clean termination
		b.SetState(kernel.Finished)
	default:
		g.SetError(err)
		b.SetState(kernel.Failed)
	}
}

// FinishExecute joins all kernel tasks in topological order and returns
// the first fatal error recorded in the graph's error slot.
func (g *Graph) FinishExecute() error {
	g.exec.Lock()
	if !g.exec.started {
		g.exec.Unlock()
		return baerr.NewInternal("graph not started")
	}
	done := g.exec.done
	g.exec.Unlock()

	for _, id := range g.OrderedKernelIDs() {
		if ch, ok := done[id]; ok {
			<-ch
		}
	}

	if g.monitor != nil {
		g.monitor.Stop()
	}
	if g.pool != nil {
		g.pool.Release()
	}

	if err := g.Err(); err != nil {
		return err
	}
	if g.proc.Cancelled() {
		return baerr.NewQueryCancelled()
	}
	return nil
}

// ReleaseKernels releases kernel-owned state and drops the kernel map.
func (g *Graph) ReleaseKernels() {
	g.mu.Lock()
	kernels := make([]kernel.Kernel, 0, len(g.kernels))
	for _, k := range g.kernels {
		kernels = append(kernels, k)
	}
	g.kernels = make(map[int32]kernel.Kernel)
	g.mu.Unlock()
	for _, k := range kernels {
		k.Release()
	}
}

// ReportProgress invokes cb with a fresh snapshot at most every 250ms
// until the query completes or the stopper stops.
func (g *Graph) ReportProgress(st *stopper.Stopper, cb func(Progress)) error {
	return st.RunTask(func(ctx context.Context) {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.proc.Ctx.Done():
				return
			case <-ticker.C:
				cb(g.GetProgress())
				if g.QueryIsComplete() {
					return
				}
			}
		}
	})
}
