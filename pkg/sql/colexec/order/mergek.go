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

package order

import (
	"bytes"
	"container/heap"
	"fmt"
	"strconv"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// mergeChunkRows bounds the rows per emitted batch.
const mergeChunkRows = 8192

// Merge k-way merges the node's range partitions by the sort keys and
// streams the result. With a limit it truncates to the globally agreed
// prefix, learning peer row counts through an all-gather.
type Merge struct {
	base kernel.Base

	Fields []sort.Field
	// Limit truncates the global output; negative means no limit.
	Limit int64

	Exch *colexec.ExchangeCtx
	// RowCounts receives peer row counts for the limit all-gather.
	RowCounts *cache.Data
}

func NewMerge(id int32, fields []sort.Field, limit int64, exch *colexec.ExchangeCtx) *Merge {
	return &Merge{
		base:   kernel.NewBase(id, "MergeOrder"),
		Fields: fields,
		Limit:  limit,
		Exch:   exch,
	}
}

func (arg *Merge) Base() *kernel.Base { return &arg.base }

func (arg *Merge) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "MergeOrder(%d keys", len(arg.Fields))
	if arg.Limit >= 0 {
		fmt.Fprintf(buf, ", fetch=%d", arg.Limit)
	}
	buf.WriteString(")")
}

func (arg *Merge) Prepare(_ *process.Process) error { return nil }

func (arg *Merge) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()

	var merged []*batch.Batch
	var localRows int64
	buffering := arg.Limit >= 0

	emit := func(bat *batch.Batch) error {
		if bat.IsEmpty() {
			bat.Clean(proc.Mp)
			return nil
		}
		localRows += int64(bat.RowCount())
		if buffering {
			merged = append(merged, bat)
			return nil
		}
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		return nil
	}

	for part := 0; part < in.NumPartitions(); part++ {
		var runs []*batch.Batch
		for {
			bat, err := in.PullPartition(part)
			if err != nil {
				cleanAll(proc, runs)
				cleanAll(proc, merged)
				return err
			}
			if bat == nil {
				break
			}
			runs = append(runs, bat)
		}
		if len(runs) == 0 {
			continue
		}
		if err := arg.mergeRuns(proc, runs, emit); err != nil {
			cleanAll(proc, merged)
			return err
		}
	}

	if !buffering {
		return nil
	}

	localLimit, err := arg.localLimit(proc, localRows)
	if err != nil {
		cleanAll(proc, merged)
		return err
	}

	var emitted int64
	for _, bat := range merged {
		if emitted >= localLimit {
			bat.Clean(proc.Mp)
			continue
		}
		if emitted+int64(bat.RowCount()) > localLimit {
			keep := int(localLimit - emitted)
			trimmed, err := bat.Window(0, keep).Dup(proc.Mp)
			bat.Clean(proc.Mp)
			if err != nil {
				return err
			}
			bat = trimmed
		}
		emitted += int64(bat.RowCount())
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
	}
	return nil
}

// localLimit resolves this node's share of the global limit:
// clamp(limit - prev_total_rows, 0, localRows), where prev_total_rows
// sums the row counts of lower-indexed nodes.
func (arg *Merge) localLimit(proc *process.Process, localRows int64) (int64, error) {
	if !arg.Exch.Distributed() {
		if arg.Limit < localRows {
			return arg.Limit, nil
		}
		return localRows, nil
	}

	proc.IncrementSubstep()
	counts := batch.NewWithSize(0)
	meta := map[string]string{
		colexec.MetaRowCount: strconv.FormatInt(localRows, 10),
	}
	if err := arg.Exch.SendBatch(proc, colexec.KindFor(colexec.KindRowCounts, arg.base.ID()), counts, meta, arg.Exch.Peers()); err != nil {
		counts.Clean(proc.Mp)
		return 0, err
	}
	counts.Clean(proc.Mp)

	var prevTotal int64
	for i := 0; i < len(arg.Exch.Nodes)-1; i++ {
		bat, err := arg.RowCounts.Pull()
		if err != nil {
			return 0, err
		}
		if bat == nil {
			return 0, baerr.NewInternal("row count cache closed before all peers reported")
		}
		nodeID, _ := strconv.ParseUint(bat.Meta[colexec.MetaNodeID], 10, 16)
		rows, _ := strconv.ParseInt(bat.Meta[colexec.MetaRowCount], 10, 64)
		bat.Clean(proc.Mp)
		if uint16(nodeID) < arg.Exch.Self {
			prevTotal += rows
		}
	}

	local := arg.Limit - prevTotal
	if local < 0 {
		local = 0
	}
	if local > localRows {
		local = localRows
	}
	return local, nil
}

// mergeRuns streams the sorted union of the runs through emit in chunks.
func (arg *Merge) mergeRuns(proc *process.Process, runs []*batch.Batch, emit func(*batch.Batch) error) error {
	defer cleanAll(proc, runs)

	if len(runs) == 1 {
		one, err := runs[0].Dup(proc.Mp)
		if err != nil {
			return err
		}
		return emit(one)
	}

	h := &mergeHeap{fields: arg.Fields, runs: runs}
	for i, r := range runs {
		if r.RowCount() > 0 {
			h.items = append(h.items, mergeItem{run: i, row: 0})
		}
	}
	heap.Init(h)

	newChunk := func() *batch.Batch {
		chunk := batch.NewWithSize(len(runs[0].Vecs))
		chunk.Attrs = append([]string(nil), runs[0].Attrs...)
		for i, vec := range runs[0].Vecs {
			chunk.Vecs[i] = vector.NewVec(*vec.GetType())
		}
		return chunk
	}

	chunk := newChunk()
	for h.Len() > 0 {
		it := heap.Pop(h).(mergeItem)
		src := runs[it.run]
		for i := range chunk.Vecs {
			if err := chunk.Vecs[i].UnionBatch(src.Vecs[i], it.row, 1, proc.Mp); err != nil {
				chunk.Clean(proc.Mp)
				return err
			}
		}
		chunk.AddRowCount(1)
		if it.row+1 < src.RowCount() {
			heap.Push(h, mergeItem{run: it.run, row: it.row + 1})
		}
		if chunk.RowCount() >= mergeChunkRows {
			if err := emit(chunk); err != nil {
				return err
			}
			chunk = newChunk()
		}
	}
	return emit(chunk)
}

func cleanAll(proc *process.Process, bats []*batch.Batch) {
	for _, bat := range bats {
		if bat != nil {
			bat.Clean(proc.Mp)
		}
	}
}

type mergeItem struct {
	run int
	row int
}

type mergeHeap struct {
	fields []sort.Field
	runs   []*batch.Batch
	items  []mergeItem
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	cmp := sort.Compare(h.runs[a.run], a.row, h.runs[b.run], b.row, h.fields)
	if cmp != 0 {
		return cmp < 0
	}
	// tie-break on run order to keep input order stable
	return a.run < b.run
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(mergeItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
