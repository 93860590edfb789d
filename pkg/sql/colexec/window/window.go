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

// Package window computes window aggregates over a stream already
// globally ordered by (partition keys, order keys) — the graph builder
// places the order-by pipeline in front. An OVER with ORDER BY but no
// PARTITION BY runs as a single partition with no distribution.
package window

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/sql/colexec/group"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Func is one window function applied over each partition.
type Func struct {
	Agg group.AggFunc
	// Col is the argument column; negative for COUNT() and ROW_NUMBER.
	Col int32
	// RowNumber reports the 1-based row position instead of an aggregate.
	RowNumber bool
}

type Argument struct {
	base kernel.Base

	// PartitionBy is empty for the single-partition form.
	PartitionBy []int32
	Funcs       []Func
}

func New(id int32, partitionBy []int32, funcs []Func) *Argument {
	return &Argument{
		base:        kernel.NewBase(id, "Window"),
		PartitionBy: partitionBy,
		Funcs:       funcs,
	}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "Window(partition=%v, %d funcs)", arg.PartitionBy, len(arg.Funcs))
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

// Run buffers the whole ordered input, walks partition boundaries and
// appends one output column per window function.
func (arg *Argument) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()

	var all *batch.Batch
	for {
		bat, err := in.Pull()
		if err != nil {
			if all != nil {
				all.Clean(proc.Mp)
			}
			return err
		}
		if bat == nil {
			break
		}
		if all == nil {
			all = bat
			continue
		}
		if _, err := all.Append(proc.Mp, bat); err != nil {
			bat.Clean(proc.Mp)
			all.Clean(proc.Mp)
			return err
		}
		bat.Clean(proc.Mp)
	}
	if all == nil {
		return nil
	}

	result, err := arg.compute(proc, all)
	all.Clean(proc.Mp)
	if err != nil {
		return err
	}
	arg.base.CountBatch(result)
	if err := out.Put(result); err != nil {
		result.Clean(proc.Mp)
		return err
	}
	return nil
}

func (arg *Argument) compute(proc *process.Process, all *batch.Batch) (*batch.Batch, error) {
	n := all.RowCount()

	// partition bounds: input is sorted by the partition keys, so a
	// boundary is any row whose keys differ from its predecessor
	bounds := []int{0}
	for r := 1; r < n; r++ {
		if !samePartition(all, arg.PartitionBy, r-1, r) {
			bounds = append(bounds, r)
		}
	}
	bounds = append(bounds, n)

	result, err := all.Dup(proc.Mp)
	if err != nil {
		return nil, err
	}
	for fi, f := range arg.Funcs {
		col := vector.NewVec(outType(f))
		for b := 0; b+1 < len(bounds); b++ {
			lo, hi := bounds[b], bounds[b+1]
			if err := appendWindowValues(proc, col, all, f, lo, hi); err != nil {
				col.Free(proc.Mp)
				result.Clean(proc.Mp)
				return nil, err
			}
		}
		result.Vecs = append(result.Vecs, col)
		result.Attrs = append(result.Attrs, fmt.Sprintf("win#%d", fi))
	}
	return result, nil
}

func (arg *Argument) Release() {}

func outType(f Func) types.Type {
	if f.RowNumber || f.Agg == group.AggCount {
		return types.New(types.T_int64)
	}
	return types.New(types.T_float64)
}

func samePartition(bat *batch.Batch, keys []int32, i, j int) bool {
	for _, k := range keys {
		if bat.Vecs[k].CompareAt(i, bat.Vecs[k], j, false) != 0 {
			return false
		}
	}
	return true
}

// appendWindowValues evaluates f over rows [lo, hi) and appends one
// value per row.
func appendWindowValues(proc *process.Process, col *vector.Vector, all *batch.Batch, f Func, lo, hi int) error {
	if f.RowNumber {
		for r := lo; r < hi; r++ {
			if err := vector.AppendFixed(col, int64(r-lo+1), false, proc.Mp); err != nil {
				return err
			}
		}
		return nil
	}

	var count int64
	var sum, min, max float64
	seen := false
	if f.Col >= 0 {
		vec := all.Vecs[f.Col]
		for r := lo; r < hi; r++ {
			if vec.IsNull(r) {
				continue
			}
			v, err := numericAt(vec, r)
			if err != nil {
				return err
			}
			count++
			sum += v
			if !seen || v < min {
				min = v
			}
			if !seen || v > max {
				max = v
			}
			seen = true
		}
	} else {
		count = int64(hi - lo)
	}

	for r := lo; r < hi; r++ {
		var err error
		switch f.Agg {
		case group.AggCount:
			err = vector.AppendFixed(col, count, false, proc.Mp)
		case group.AggSum:
			err = vector.AppendFixed(col, sum, !seen, proc.Mp)
		case group.AggMin:
			err = vector.AppendFixed(col, min, !seen, proc.Mp)
		case group.AggMax:
			err = vector.AppendFixed(col, max, !seen, proc.Mp)
		case group.AggAvg:
			avg := 0.0
			if count > 0 {
				avg = sum / float64(count)
			}
			err = vector.AppendFixed(col, avg, count == 0, proc.Mp)
		default:
			err = baerr.NewNYI("window function %s", f.Agg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func numericAt(vec *vector.Vector, r int) (float64, error) {
	switch vec.GetType().Oid {
	case types.T_int32:
		return float64(vector.GetFixedAt[int32](vec, r)), nil
	case types.T_int64:
		return float64(vector.GetFixedAt[int64](vec, r)), nil
	case types.T_float64:
		return vector.GetFixedAt[float64](vec, r), nil
	}
	return 0, baerr.NewNYI("numeric window over %s", vec.GetType())
}
