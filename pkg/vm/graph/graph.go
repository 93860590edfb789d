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

// Package graph owns the execution DAG of one query: kernels, the caches
// wired between them, topological start order, the worker pool, the
// shared error slot and the memory monitor.
package graph

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// HeadID is the sentinel source id: edges from HeadID feed root kernels.
const HeadID = int32(-1)

// Edge is one wiring between two kernels.
type Edge struct {
	Source     int32
	Target     int32
	SourcePort string
	TargetPort string
}

type cacheKey struct {
	kernelID int32
	port     string
}

// Graph is the execution DAG for one query.
type Graph struct {
	proc *process.Process

	mu       sync.Mutex
	kernels  map[int32]kernel.Kernel
	edges    map[int32][]Edge
	reverse  map[int32][]Edge
	caches   map[cacheKey]*cache.Data
	ordered  []int32
	lastID   int32
	haveLast bool

	// inputCache and outputCache carry inter-node traffic when the query
	// spans more than one node.
	inputCache  *cache.Data
	outputCache *cache.Data

	// exchangeCaches route inbound exchange messages by kind label.
	exchangeCaches map[string]*cache.Data

	errMu   sync.Mutex
	err     error
	monitor *Monitor
	pool    *ants.Pool

	exec struct {
		sync.Mutex
		started bool
		done    map[int32]chan struct{}
	}
}

// New creates an empty graph bound to proc.
func New(proc *process.Process) *Graph {
	return &Graph{
		proc:           proc,
		kernels:        make(map[int32]kernel.Kernel),
		edges:          make(map[int32][]Edge),
		reverse:        make(map[int32][]Edge),
		caches:         make(map[cacheKey]*cache.Data),
		exchangeCaches: make(map[string]*cache.Data),
	}
}

// BindExchangeCache routes inbound messages labelled kind into c.
func (g *Graph) BindExchangeCache(kind string, c *cache.Data) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exchangeCaches[kind] = c
}

// ExchangeCache returns the cache bound to an exchange kind.
func (g *Graph) ExchangeCache(kind string) *cache.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exchangeCaches[kind]
}

// CloseExchangeCaches closes every exchange-bound cache, including those
// that are also kernel edge caches (Close is idempotent), and the
// inter-node message caches, at query teardown.
func (g *Graph) CloseExchangeCaches() {
	g.mu.Lock()
	caches := make([]*cache.Data, 0, len(g.exchangeCaches)+2)
	for _, c := range g.exchangeCaches {
		caches = append(caches, c)
	}
	if g.inputCache != nil {
		caches = append(caches, g.inputCache)
	}
	if g.outputCache != nil {
		caches = append(caches, g.outputCache)
	}
	g.mu.Unlock()
	for _, c := range caches {
		c.Close()
	}
}

func (g *Graph) Proc() *process.Process { return g.proc }

// ContextToken returns the query token this graph belongs to.
func (g *Graph) ContextToken() uint32 { return g.proc.Token }

// AddNode registers a kernel. The last added kernel is the output kernel
// unless a later AddNode supersedes it.
func (g *Graph) AddNode(k kernel.Kernel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kernels[k.Base().ID()] = k
	g.lastID = k.Base().ID()
	g.haveLast = true
}

// NumNodes returns the kernel count.
func (g *Graph) NumNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.kernels)
}

// GetNode returns the kernel with the given id, nil when absent.
func (g *Graph) GetNode(id int32) kernel.Kernel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kernels[id]
}

// LastKernel returns the most recently added kernel.
func (g *Graph) LastKernel() kernel.Kernel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.haveLast {
		return nil
	}
	return g.kernels[g.lastID]
}

// AddEdge wires source's port to target's port through a new cache built
// from settings. At most one cache may exist per (source, port).
func (g *Graph) AddEdge(source, target kernel.Kernel, sourcePort, targetPort string, settings cache.Settings) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sid := HeadID
	if source != nil {
		sid = source.Base().ID()
	}
	tid := target.Base().ID()

	if source != nil {
		key := cacheKey{kernelID: sid, port: sourcePort}
		if _, ok := g.caches[key]; ok {
			return baerr.NewDuplicateEdge(sid, sourcePort)
		}
		name := fmt.Sprintf("%d_%s", sid, sourcePort)
		c := cache.New(g.proc, name, settings)
		g.caches[key] = c
		source.Base().BindOutput(sourcePort, c)
		target.Base().BindInput(targetPort, c)
	}

	e := Edge{Source: sid, Target: tid, SourcePort: sourcePort, TargetPort: targetPort}
	g.edges[sid] = append(g.edges[sid], e)
	g.reverse[tid] = append(g.reverse[tid], e)
	return nil
}

// KernelOutputCache returns the cache bound to (kernelID, port).
func (g *Graph) KernelOutputCache(kernelID int32, port string) *cache.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caches[cacheKey{kernelID: kernelID, port: port}]
}

// Caches snapshots all caches, for the memory monitor.
func (g *Graph) Caches() []*cache.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*cache.Data, 0, len(g.caches))
	for _, c := range g.caches {
		out = append(out, c)
	}
	if g.inputCache != nil {
		out = append(out, g.inputCache)
	}
	if g.outputCache != nil {
		out = append(out, g.outputCache)
	}
	return out
}

// SetMessageCaches installs the inter-node inbound and outbound caches.
func (g *Graph) SetMessageCaches(in, out *cache.Data) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputCache, g.outputCache = in, out
}

// InputMessageCache returns the inbound inter-node cache.
func (g *Graph) InputMessageCache() *cache.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inputCache
}

// OutputMessageCache returns the outbound inter-node cache.
func (g *Graph) OutputMessageCache() *cache.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outputCache
}

// SetMemoryMonitor binds the memory monitor started with the graph.
func (g *Graph) SetMemoryMonitor(m *Monitor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monitor = m
}

// SetError stores the first fatal error; later writers lose.
func (g *Graph) SetError(err error) {
	if err == nil || baerr.IsExpected(err) {
		return
	}
	g.errMu.Lock()
	defer g.errMu.Unlock()
	if g.err == nil {
		g.err = err
		g.proc.Logger.Error("query failed", zap.Error(err))
	}
}

// Err returns the stored fatal error, if any.
func (g *Graph) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.err
}

// Cancel cooperatively stops the query: every blocked cache or transport
// call observes the flag on its next wake.
func (g *Graph) Cancel() {
	g.proc.Cancel()
}

// OrderKernels computes and stores the topological start order. Fails on
// cycles; the order covers every kernel exactly once.
func (g *Graph) OrderKernels() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	indeg := make(map[int32]int, len(g.kernels))
	for id := range g.kernels {
		indeg[id] = 0
	}
	for _, es := range g.edges {
		for _, e := range es {
			if e.Source == HeadID {
				continue
			}
			indeg[e.Target]++
		}
	}

	ready := make([]int32, 0, len(g.kernels))
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	ordered := make([]int32, 0, len(g.kernels))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, e := range g.edges[id] {
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				ready = append(ready, e.Target)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	}
	if len(ordered) != len(g.kernels) {
		return baerr.NewGraphCycle()
	}
	g.ordered = ordered
	return nil
}

// OrderedKernelIDs returns the stored start order.
func (g *Graph) OrderedKernelIDs() []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int32(nil), g.ordered...)
}

// Validate checks the workflow is complete: every non-output kernel has
// at least one outgoing edge and the output kernel has none.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.kernels {
		out := len(g.edges[id])
		if id == g.lastID {
			if out != 0 {
				return baerr.NewInternal("output kernel %d has %d outgoing edges", id, out)
			}
			continue
		}
		if out == 0 {
			return baerr.NewInternal("kernel %d has no outgoing edge", id)
		}
	}
	return nil
}

// EstimatedInputRowsToKernel sums the row estimates of every cache
// feeding the kernel. The bool is true when all producers have closed.
func (g *Graph) EstimatedInputRowsToKernel(id int32) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var rows int64
	exact := true
	for _, e := range g.reverse[id] {
		if e.Source == HeadID {
			continue
		}
		c := g.caches[cacheKey{kernelID: e.Source, port: e.SourcePort}]
		if c == nil {
			continue
		}
		r, done := c.EstimatedRows()
		rows += r
		exact = exact && done
	}
	return rows, exact
}

// Show dumps kernels and edges for debugging.
func (g *Graph) Show() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var buf bytes.Buffer
	ids := make([]int32, 0, len(g.kernels))
	for id := range g.kernels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		k := g.kernels[id]
		fmt.Fprintf(&buf, "kernel %d [%s] ", id, k.Base().State())
		k.Describe(&buf)
		buf.WriteByte('\n')
		for _, e := range g.edges[id] {
			fmt.Fprintf(&buf, "  %d:%s -> %d:%s\n", e.Source, e.SourcePort, e.Target, e.TargetPort)
		}
	}
	return buf.String()
}

// Progress is an atomically-snapshotted view of per-kernel state.
type Progress struct {
	KernelDescriptions []string
	Finished           []bool
	BatchesCompleted   []int64
}

// GetProgress snapshots the per-kernel progress in start order.
func (g *Graph) GetProgress() Progress {
	g.mu.Lock()
	ordered := append([]int32(nil), g.ordered...)
	kernels := make([]kernel.Kernel, 0, len(ordered))
	for _, id := range ordered {
		kernels = append(kernels, g.kernels[id])
	}
	g.mu.Unlock()

	p := Progress{
		KernelDescriptions: make([]string, len(kernels)),
		Finished:           make([]bool, len(kernels)),
		BatchesCompleted:   make([]int64, len(kernels)),
	}
	var buf bytes.Buffer
	for i, k := range kernels {
		buf.Reset()
		k.Describe(&buf)
		p.KernelDescriptions[i] = buf.String()
		p.Finished[i] = k.Base().State().Terminal()
		p.BatchesCompleted[i] = k.Base().BatchesCompleted()
	}
	return p
}

// QueryIsComplete reports whether all kernels reached a terminal state.
func (g *Graph) QueryIsComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range g.kernels {
		if !k.Base().State().Terminal() {
			return false
		}
	}
	return true
}
