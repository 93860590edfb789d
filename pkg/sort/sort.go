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

// Package sort provides multi-key batch ordering. Nulls order after
// non-nulls in every direction; ties preserve input order.
package sort

import (
	stdsort "sort"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
)

// Field is one sort key: a column position and a direction.
type Field struct {
	Index int32
	Desc  bool
}

// Compare orders row i of a against row j of b under the fields. The
// field indices address columns of a and b identically.
func Compare(a *batch.Batch, i int, b *batch.Batch, j int, fields []Field) int {
	for _, f := range fields {
		if cmp := a.Vecs[f.Index].CompareAt(i, b.Vecs[f.Index], j, f.Desc); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// Sels returns the row order of bat under fields as a selection vector.
// The sort is stable.
func Sels(bat *batch.Batch, fields []Field) []int64 {
	sels := make([]int64, bat.RowCount())
	for i := range sels {
		sels[i] = int64(i)
	}
	stdsort.SliceStable(sels, func(x, y int) bool {
		return Compare(bat, int(sels[x]), bat, int(sels[y]), fields) < 0
	})
	return sels
}

// SortBatch reorders bat in place by fields.
func SortBatch(bat *batch.Batch, fields []Field, mp *mpool.MPool) error {
	if bat.RowCount() < 2 {
		return nil
	}
	sels := Sels(bat, fields)
	inOrder := true
	for i, sel := range sels {
		if sel != int64(i) {
			inOrder = false
			break
		}
	}
	if inOrder {
		return nil
	}
	return bat.Shrink(sels, mp)
}

// IsSorted reports whether bat is already ordered under fields.
func IsSorted(bat *batch.Batch, fields []Field) bool {
	for i := 1; i < bat.RowCount(); i++ {
		if Compare(bat, i-1, bat, i, fields) > 0 {
			return false
		}
	}
	return true
}
