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

// Package partition plans and applies the range partitioning used by the
// distributed order-by: a pivot table derived from samples delimits P
// ranges split across the cluster.
package partition

import (
	"math"
	stdsort "sort"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/sort"
)

// TotalPartitions computes the target partition count:
// ceil(rows*avgBytesPerRow/bytesPerPartition), at least 1, rounded up to
// a multiple of numNodes and capped at maxPerNode*numNodes.
func TotalPartitions(totalRows, avgBytesPerRow, bytesPerPartition uint64, maxPerNode, numNodes int) int {
	if bytesPerPartition == 0 {
		bytesPerPartition = 1
	}
	if numNodes <= 0 {
		numNodes = 1
	}
	p := int(math.Ceil(float64(totalRows) * float64(avgBytesPerRow) / float64(bytesPerPartition)))
	if p <= 0 {
		p = 1
	}
	p = (p + numNodes - 1) / numNodes * numNodes
	if max := maxPerNode * numNodes; p > max {
		p = max
	}
	return p
}

// Plan sorts the concatenated samples by the order fields and takes P-1
// equi-spaced pivot rows. The sample batch carries only the key columns,
// so the pivot fields address columns 0..len(fields)-1.
func Plan(samples *batch.Batch, fields []sort.Field, p int, mp *mpool.MPool) (*batch.Batch, error) {
	pivotFields := make([]sort.Field, len(fields))
	for i, f := range fields {
		pivotFields[i] = sort.Field{Index: int32(i), Desc: f.Desc}
	}
	if err := sort.SortBatch(samples, pivotFields, mp); err != nil {
		return nil, err
	}

	n := samples.RowCount()
	sels := make([]int64, 0, p-1)
	for i := 1; i < p; i++ {
		idx := int64(i) * int64(n) / int64(p)
		if idx >= int64(n) {
			idx = int64(n) - 1
		}
		if idx < 0 {
			idx = 0
		}
		sels = append(sels, idx)
	}

	if n == 0 || len(sels) == 0 {
		// no pivots: a single partition
		return samples.Window(0, 0).Dup(mp)
	}
	out, err := samples.Dup(mp)
	if err != nil {
		return nil, err
	}
	if err := out.Shrink(sels, mp); err != nil {
		out.Clean(mp)
		return nil, err
	}
	return out, nil
}

// SplitPoints computes, for a locally sorted batch, the upper-bound row
// of each pivot: result[i] is the first row strictly greater than pivot
// row i. Splitting at these points yields len(pivots)+1 sub-ranges.
func SplitPoints(sorted *batch.Batch, fields []sort.Field, pivots *batch.Batch) []int {
	points := make([]int, pivots.RowCount())
	for i := 0; i < pivots.RowCount(); i++ {
		points[i] = upperBound(sorted, fields, pivots, i)
	}
	return points
}

// upperBound finds the first row of sorted whose key exceeds pivot row j.
func upperBound(sorted *batch.Batch, fields []sort.Field, pivots *batch.Batch, j int) int {
	return stdsort.Search(sorted.RowCount(), func(i int) bool {
		return comparePivot(sorted, fields, i, pivots, j) > 0
	})
}

// comparePivot orders sorted row i against pivot row j; pivot column k
// matches fields[k].
func comparePivot(sorted *batch.Batch, fields []sort.Field, i int, pivots *batch.Batch, j int) int {
	for k, f := range fields {
		if cmp := sorted.Vecs[f.Index].CompareAt(i, pivots.Vecs[k], j, f.Desc); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// Split cuts a sorted batch at the given points into owned sub-batches.
func Split(sorted *batch.Batch, points []int, mp *mpool.MPool) ([]*batch.Batch, error) {
	bounds := make([]int, 0, len(points)+2)
	bounds = append(bounds, 0)
	bounds = append(bounds, points...)
	bounds = append(bounds, sorted.RowCount())

	out := make([]*batch.Batch, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		if hi < lo {
			hi = lo
		}
		view := sorted.Window(lo, hi)
		sub, err := view.Dup(mp)
		if err != nil {
			for _, b := range out {
				b.Clean(mp)
			}
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
