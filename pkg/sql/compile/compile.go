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

// Package compile turns a textual plan into an execution graph and
// drives it: kernels are instantiated bottom-up, wired through caches,
// topologically ordered and scheduled onto the worker pool.
package compile

import (
	"strings"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/sql/colexec/dispatch"
	"github.com/basaltdb/basalt/pkg/sql/colexec/group"
	"github.com/basaltdb/basalt/pkg/sql/colexec/join"
	"github.com/basaltdb/basalt/pkg/sql/colexec/limit"
	"github.com/basaltdb/basalt/pkg/sql/colexec/merge"
	"github.com/basaltdb/basalt/pkg/sql/colexec/order"
	"github.com/basaltdb/basalt/pkg/sql/colexec/output"
	"github.com/basaltdb/basalt/pkg/sql/colexec/projection"
	"github.com/basaltdb/basalt/pkg/sql/colexec/restrict"
	"github.com/basaltdb/basalt/pkg/sql/colexec/scan"
	"github.com/basaltdb/basalt/pkg/sql/colexec/window"
	"github.com/basaltdb/basalt/pkg/sql/plan"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/basaltdb/basalt/pkg/spill"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/graph"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Compile is one compiled query: its graph and its output sink.
type Compile struct {
	rt    *Runtime
	proc  *process.Process
	graph *graph.Graph
	sink  *output.Argument
	store *spill.Store
}

type builder struct {
	rt     *Runtime
	proc   *process.Process
	g      *graph.Graph
	exch   *colexec.ExchangeCtx
	nextID int32

	maxPartsPerNode int

	// pendingBinds defers exchange-cache bindings for caches that only
	// exist once the consumer edge is added.
	pendingBinds []pendingBind
}

type pendingBind struct {
	kind     string
	kernelID int32
	port     string
}

// Generate parses the plan text and builds the execution graph,
// attaching the output kernel and the memory monitor.
func (rt *Runtime) Generate(proc *process.Process, planText string) (*Compile, error) {
	root, err := plan.Parse(planText)
	if err != nil {
		return nil, err
	}

	maxParts, err := config.GetInt(proc.Options,
		config.KeyMaxOrderByPartitionsPerNode, config.DefaultMaxOrderByPartitionsPerNode)
	if err != nil {
		return nil, err
	}

	b := &builder{
		rt:   rt,
		proc: proc,
		g:    graph.New(proc),
		exch: &colexec.ExchangeCtx{
			Service: rt.exchange,
			Self:    rt.self,
			Nodes:   rt.nodes,
		},
		maxPartsPerNode: maxParts,
	}

	top, _, err := b.build(root)
	if err != nil {
		return nil, err
	}

	// attach the result sink: concatenating on a single node, simple in a
	// cluster where the client performs the final concat
	sink := output.New(b.newID())
	b.g.AddNode(sink)
	sinkSettings := cache.Settings{Kind: cache.Simple}
	if len(rt.nodes) == 1 {
		sinkSettings = cache.Settings{Kind: cache.Concatenating}
	}
	if err := b.g.AddEdge(top, sink, kernel.DefaultPort, kernel.DefaultPort, sinkSettings); err != nil {
		return nil, err
	}

	b.checkSimpleScanWithLimit(root)

	if b.exch.Distributed() {
		// default routes for inter-node traffic that no kernel claimed
		b.g.SetMessageCaches(
			cache.New(proc, "exchange_in", cache.Settings{Kind: cache.Simple}),
			cache.New(proc, "exchange_out", cache.Settings{Kind: cache.Simple}))
	}

	for _, pb := range b.pendingBinds {
		c := b.g.KernelOutputCache(pb.kernelID, pb.port)
		if c == nil {
			return nil, baerr.NewInternal("no output cache for kernel %d port %s", pb.kernelID, pb.port)
		}
		b.g.BindExchangeCache(pb.kind, c)
	}

	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	if err := b.g.OrderKernels(); err != nil {
		return nil, err
	}

	monitor, err := graph.NewMonitor(proc.Options, proc.Logger)
	if err != nil {
		return nil, err
	}
	b.g.SetMemoryMonitor(monitor)

	c := &Compile{rt: rt, proc: proc, graph: b.g, sink: sink}
	if dir, ok := proc.Options[config.KeySpillDir]; ok && dir != "" {
		store, err := spill.Open(dir)
		if err != nil {
			return nil, err
		}
		c.store = store
		for _, ch := range b.g.Caches() {
			ch.BindSpillStore(store)
		}
	}

	rt.registry.Register(b.g)
	return c, nil
}

// Graph exposes the compiled graph.
func (c *Compile) Graph() *graph.Graph { return c.graph }

// Start launches the query on the worker pool.
func (c *Compile) Start() error {
	threads, err := config.GetInt(c.proc.Options,
		config.KeyMaxKernelRunThreads, config.DefaultMaxKernelRunThreads)
	if err != nil {
		return err
	}
	return c.graph.StartExecute(threads)
}

// Cancel cooperatively stops the query.
func (c *Compile) Cancel() { c.graph.Cancel() }

// Wait joins the execution and returns the ordered result batches. On
// failure the stored error is returned and the sink is drained.
func (c *Compile) Wait() ([]*batch.Batch, error) {
	err := c.graph.FinishExecute()
	c.graph.CloseExchangeCaches()
	c.rt.registry.Deregister(c.graph.ContextToken())
	if c.store != nil {
		_ = c.store.Close()
	}
	if err != nil {
		c.sink.Clean(c.proc)
		return nil, err
	}
	return c.sink.ReleaseResult()
}

func (b *builder) newID() int32 {
	id := b.nextID
	b.nextID++
	return id
}

func (b *builder) simple() cache.Settings {
	return cache.Settings{Kind: cache.Simple}
}

// fused upgrades an edge to a concatenating cache on single-node runs,
// where the consumer benefits from fewer, larger batches.
func (b *builder) fused() cache.Settings {
	if len(b.rt.nodes) == 1 {
		return cache.Settings{Kind: cache.Concatenating}
	}
	return cache.Settings{Kind: cache.Simple}
}

// build compiles one plan subtree and returns its top kernel and the
// output column count.
func (b *builder) build(n *plan.Node) (kernel.Kernel, int32, error) {
	switch n.Op {
	case plan.OpTableScan, plan.OpBindableScan:
		return b.buildScan(n)
	case plan.OpFilter:
		return b.buildFilter(n)
	case plan.OpProject:
		return b.buildProject(n)
	case plan.OpSort, plan.OpLimit:
		return b.buildSort(n)
	case plan.OpAggregate:
		return b.buildAggregate(n)
	case plan.OpJoin:
		return b.buildJoin(n)
	case plan.OpUnion:
		return b.buildUnion(n)
	case plan.OpWindow:
		return b.buildWindow(n)
	default:
		return nil, 0, baerr.NewUnknownOp(n.Op)
	}
}

func (b *builder) buildChild(n *plan.Node, i int) (kernel.Kernel, int32, error) {
	if len(n.Children) <= i {
		return nil, 0, baerr.NewPlanParse(n.Line, n.Op+" is missing an input")
	}
	return b.build(n.Children[i])
}

func (b *builder) buildScan(n *plan.Node) (kernel.Kernel, int32, error) {
	tableParam, ok := n.Param("table")
	if !ok {
		return nil, 0, baerr.NewPlanParse(n.Line, "scan without table")
	}
	table := plan.TableName(tableParam)

	attrs, _, err := b.rt.provider.Schema(table)
	if err != nil {
		return nil, 0, err
	}
	width := int32(len(attrs))

	var k *scan.Argument
	if n.Op == plan.OpBindableScan {
		var projects []int32
		if v, ok := n.Param("projects"); ok {
			projects, err = plan.IntList(v)
			if err != nil {
				return nil, 0, err
			}
		}
		var cond colexec.Conjunction
		if v, ok := n.Param("filters"); ok {
			cond, err = parseCondition(v)
			if err != nil {
				return nil, 0, err
			}
		}
		k = scan.NewBindable(b.newID(), b.rt.provider, table, projects, cond)
		if len(projects) > 0 {
			width = int32(len(projects))
		}
	} else {
		k = scan.New(b.newID(), b.rt.provider, table)
	}
	b.g.AddNode(k)
	return k, width, nil
}

func (b *builder) buildFilter(n *plan.Node) (kernel.Kernel, int32, error) {
	child, width, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}
	condStr, ok := n.Param("condition")
	if !ok {
		return nil, 0, baerr.NewPlanParse(n.Line, "filter without condition")
	}
	cond, err := parseCondition(condStr)
	if err != nil {
		return nil, 0, err
	}
	k := restrict.New(b.newID(), cond)
	b.g.AddNode(k)
	if err := b.g.AddEdge(child, k, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, 0, err
	}
	return k, width, nil
}

func (b *builder) buildProject(n *plan.Node) (kernel.Kernel, int32, error) {
	child, _, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}
	cols := make([]projection.Column, 0, len(n.Order))
	for _, name := range n.Order {
		ref, err := plan.ColRef(n.Params[name])
		if err != nil {
			return nil, 0, baerr.NewPlanParse(n.Line, err.Error())
		}
		as := name
		if strings.HasPrefix(name, "EXPR$") {
			as = ""
		}
		cols = append(cols, projection.Column{Ref: ref, As: as})
	}
	k := projection.New(b.newID(), cols)
	b.g.AddNode(k)
	if err := b.g.AddEdge(child, k, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, 0, err
	}
	return k, int32(len(cols)), nil
}

// buildSort compiles LogicalSort. Without sort keys it degrades to a
// plain limit; with keys it becomes the four-kernel order-by pipeline.
func (b *builder) buildSort(n *plan.Node) (kernel.Kernel, int32, error) {
	child, width, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}
	fields, fetch, err := plan.SortVars(n)
	if err != nil {
		return nil, 0, err
	}

	if len(fields) == 0 {
		if fetch < 0 {
			return nil, 0, baerr.NewPlanParse(n.Line, "sort without keys or fetch")
		}
		k := limit.New(b.newID(), uint64(fetch))
		b.g.AddNode(k)
		if err := b.g.AddEdge(child, k, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
			return nil, 0, err
		}
		return k, width, nil
	}

	mg, err := b.buildOrderPipeline(child, fields, fetch, b.exch)
	if err != nil {
		return nil, 0, err
	}
	return mg, width, nil
}

// buildOrderPipeline wires sort-sample, partition-plan, partition and
// merge, including their exchange caches when the query is distributed.
func (b *builder) buildOrderPipeline(child kernel.Kernel, fields []sort.Field,
	fetch int64, exch *colexec.ExchangeCtx) (kernel.Kernel, error) {
	ss := order.NewSortSample(b.newID(), fields)
	b.g.AddNode(ss)
	if err := b.g.AddEdge(child, ss, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, err
	}

	pp := order.NewPartitionPlan(b.newID(), fields, ss, exch)
	b.g.AddNode(pp)
	if err := b.g.AddEdge(ss, pp, order.SamplesPort, order.SamplesPort, b.simple()); err != nil {
		return nil, err
	}

	pt := order.NewPartition(b.newID(), fields, exch)
	b.g.AddNode(pt)
	if err := b.g.AddEdge(ss, pt, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, err
	}
	if err := b.g.AddEdge(pp, pt, kernel.DefaultPort, order.PivotsPort, b.simple()); err != nil {
		return nil, err
	}

	mg := order.NewMerge(b.newID(), fields, fetch, exch)
	b.g.AddNode(mg)
	feSettings := cache.Settings{Kind: cache.ForEach, NumPartitions: b.maxPartsPerNode}
	if err := b.g.AddEdge(pt, mg, kernel.DefaultPort, kernel.DefaultPort, feSettings); err != nil {
		return nil, err
	}

	if exch.Distributed() {
		if exch.Self == 0 {
			pp.PeerSamples = b.newExchangeCache(colexec.KindFor(colexec.KindSamples, pp.Base().ID()))
		} else {
			pp.PlanCache = b.newExchangeCache(colexec.KindFor(colexec.KindPartitionPlan, pp.Base().ID()))
		}
		// remote ranges land straight in the partition kernel's output
		b.g.BindExchangeCache(colexec.KindFor(colexec.KindPartition, pt.Base().ID()),
			b.g.KernelOutputCache(pt.Base().ID(), kernel.DefaultPort))
		pt.DoneCache = b.newExchangeCache(colexec.KindFor(colexec.KindPartitionDone, pt.Base().ID()))
		mg.RowCounts = b.newExchangeCache(colexec.KindFor(colexec.KindRowCounts, mg.Base().ID()))
	}
	return mg, nil
}

// newExchangeCache creates a standalone inbound cache bound to a kind.
func (b *builder) newExchangeCache(kind string) *cache.Data {
	c := cache.New(b.proc, kind, cache.Settings{Kind: cache.Simple})
	b.g.BindExchangeCache(kind, c)
	return c
}

// distributeByHash inserts a hash shuffle in front of a kernel when the
// query spans nodes, so the consumer owns its key space.
func (b *builder) distributeByHash(child kernel.Kernel, keys []int32) (kernel.Kernel, error) {
	if !b.exch.Distributed() {
		return child, nil
	}
	id := b.newID()
	kind := colexec.KindFor(colexec.KindShuffle, id)
	d := dispatch.New(id, dispatch.ByHash, keys, kind, b.exch)
	b.g.AddNode(d)
	if err := b.g.AddEdge(child, d, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, err
	}
	b.pendingBinds = append(b.pendingBinds,
		pendingBind{kind: kind, kernelID: id, port: kernel.DefaultPort})
	d.DoneCache = b.newExchangeCache(kind + "_done")
	return d, nil
}

func (b *builder) buildAggregate(n *plan.Node) (kernel.Kernel, int32, error) {
	child, _, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}

	var keys []int32
	if v, ok := n.Param("group"); ok {
		keys, err = plan.GroupSet(v)
		if err != nil {
			return nil, 0, err
		}
	}

	var aggs []group.Agg
	for _, name := range n.Order {
		if name == "group" {
			continue
		}
		fn, col, err := plan.AggCall(n.Params[name])
		if err != nil {
			return nil, 0, baerr.NewPlanParse(n.Line, err.Error())
		}
		f, err := group.ParseAggFunc(fn)
		if err != nil {
			return nil, 0, err
		}
		aggs = append(aggs, group.Agg{Func: f, Col: col})
	}

	if len(keys) > 0 {
		child, err = b.distributeByHash(child, keys)
		if err != nil {
			return nil, 0, err
		}
	}

	k := group.New(b.newID(), keys, aggs)
	b.g.AddNode(k)
	if err := b.g.AddEdge(child, k, kernel.DefaultPort, kernel.DefaultPort, b.fused()); err != nil {
		return nil, 0, err
	}
	return k, int32(len(keys) + len(aggs)), nil
}

func (b *builder) buildJoin(n *plan.Node) (kernel.Kernel, int32, error) {
	left, leftWidth, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}
	right, rightWidth, err := b.buildChild(n, 1)
	if err != nil {
		return nil, 0, err
	}

	if t, ok := n.Param("joinType"); ok && strings.ToLower(strings.TrimSpace(t)) != "inner" {
		return nil, 0, baerr.NewNYI("join type %s", t)
	}
	condStr, ok := n.Param("condition")
	if !ok {
		return nil, 0, baerr.NewPlanParse(n.Line, "join without condition")
	}
	leftKeys, rightKeys, err := plan.JoinKeys(condStr, leftWidth)
	if err != nil {
		return nil, 0, err
	}

	left, err = b.distributeByHash(left, leftKeys)
	if err != nil {
		return nil, 0, err
	}
	right, err = b.distributeByHash(right, rightKeys)
	if err != nil {
		return nil, 0, err
	}

	k := join.New(b.newID(), leftKeys, rightKeys)
	b.g.AddNode(k)
	if err := b.g.AddEdge(left, k, kernel.DefaultPort, kernel.DefaultPort, b.simple()); err != nil {
		return nil, 0, err
	}
	if err := b.g.AddEdge(right, k, kernel.DefaultPort, join.BuildPort, b.simple()); err != nil {
		return nil, 0, err
	}
	return k, leftWidth + rightWidth, nil
}

func (b *builder) buildUnion(n *plan.Node) (kernel.Kernel, int32, error) {
	if v, ok := n.Param("all"); ok && strings.TrimSpace(v) != "true" {
		return nil, 0, baerr.NewNYI("UNION DISTINCT")
	}
	k := merge.New(b.newID(), len(n.Children))
	b.g.AddNode(k)
	var width int32
	for i := range n.Children {
		child, w, err := b.build(n.Children[i])
		if err != nil {
			return nil, 0, err
		}
		width = w
		if err := b.g.AddEdge(child, k, kernel.DefaultPort, merge.InputPort(i), b.simple()); err != nil {
			return nil, 0, err
		}
	}
	return k, width, nil
}

// buildWindow sorts the input by (partition keys, order keys) through
// the order pipeline, then computes the window functions. An OVER with
// ORDER BY and no PARTITION BY runs as one local partition.
func (b *builder) buildWindow(n *plan.Node) (kernel.Kernel, int32, error) {
	child, width, err := b.buildChild(n, 0)
	if err != nil {
		return nil, 0, err
	}

	var partitionBy []int32
	if v, ok := n.Param("partition"); ok {
		partitionBy, err = plan.IntList(v)
		if err != nil {
			return nil, 0, err
		}
	}
	orderFields, _, err := plan.SortVars(n)
	if err != nil {
		return nil, 0, err
	}

	var funcs []window.Func
	for _, name := range n.Order {
		if !strings.HasPrefix(name, "agg") && !strings.HasPrefix(name, "func") {
			continue
		}
		fn, col, err := plan.AggCall(n.Params[name])
		if err != nil {
			return nil, 0, baerr.NewPlanParse(n.Line, err.Error())
		}
		if strings.EqualFold(fn, "ROW_NUMBER") {
			funcs = append(funcs, window.Func{RowNumber: true, Col: -1})
			continue
		}
		f, err := group.ParseAggFunc(fn)
		if err != nil {
			return nil, 0, err
		}
		funcs = append(funcs, window.Func{Agg: f, Col: col})
	}

	fields := make([]sort.Field, 0, len(partitionBy)+len(orderFields))
	for _, p := range partitionBy {
		fields = append(fields, sort.Field{Index: p})
	}
	fields = append(fields, orderFields...)

	exch := b.exch
	if len(partitionBy) == 0 {
		// whole-input ordering, single-partition execution, no distribution
		exch = &colexec.ExchangeCtx{Self: b.exch.Self, Nodes: b.exch.Nodes[:1]}
	}

	top := child
	if len(fields) > 0 {
		top, err = b.buildOrderPipeline(child, fields, -1, exch)
		if err != nil {
			return nil, 0, err
		}
	}

	k := window.New(b.newID(), partitionBy, funcs)
	b.g.AddNode(k)
	if err := b.g.AddEdge(top, k, kernel.DefaultPort, kernel.DefaultPort, b.fused()); err != nil {
		return nil, 0, err
	}
	return k, width + int32(len(funcs)), nil
}

// checkSimpleScanWithLimit detects plans that are only a limit over a
// scan and lets the scan stop early.
func (b *builder) checkSimpleScanWithLimit(root *plan.Node) {
	if root.Op != plan.OpSort && root.Op != plan.OpLimit {
		return
	}
	fields, fetch, err := plan.SortVars(root)
	if err != nil || len(fields) > 0 || fetch < 0 {
		return
	}
	if len(root.Children) != 1 {
		return
	}
	child := root.Children[0]
	if child.Op != plan.OpTableScan && child.Op != plan.OpBindableScan {
		return
	}
	if len(child.Children) != 0 {
		return
	}
	// graph shape is scan -> limit -> output; the scan kernel has id 0
	if sc, ok := b.g.GetNode(0).(*scan.Argument); ok {
		sc.SetLimitHint(fetch)
	}
}

// parseCondition parses "=($0, 10)" or "AND(...)" conjunctions.
func parseCondition(s string) (colexec.Conjunction, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "AND(") && strings.HasSuffix(s, ")") {
		var out colexec.Conjunction
		for _, part := range plan.SplitTopLevel(s[4 : len(s)-1]) {
			sub, err := parseCondition(part)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	}

	ops := []struct {
		prefix string
		op     colexec.CompareOp
	}{
		{"<>(", colexec.NE},
		{"<=(", colexec.LE},
		{">=(", colexec.GE},
		{"=(", colexec.EQ},
		{"<(", colexec.LT},
		{">(", colexec.GT},
	}
	for _, o := range ops {
		if strings.HasPrefix(s, o.prefix) && strings.HasSuffix(s, ")") {
			parts := plan.SplitTopLevel(s[len(o.prefix) : len(s)-1])
			if len(parts) != 2 {
				return nil, baerr.NewPlanParse(0, "comparison needs two operands: "+s)
			}
			col, err := plan.ColRef(parts[0])
			if err != nil {
				return nil, err
			}
			lit := strings.TrimSpace(parts[1])
			return colexec.Conjunction{{Op: o.op, Col: col, Literal: lit}}, nil
		}
	}
	return nil, baerr.NewPlanParse(0, "unsupported condition: "+s)
}
