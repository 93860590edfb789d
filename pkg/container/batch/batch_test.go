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

package batch

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/stretchr/testify/require"
)

func newBatch(t *testing.T, mp *mpool.MPool, vals []int64, names ...string) *Batch {
	t.Helper()
	name := "a"
	if len(names) > 0 {
		name = names[0]
	}
	bat := NewWithSize(1)
	bat.Attrs = []string{name}
	vec := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(vec, vals, mp))
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	return bat
}

func TestBatchAppend(t *testing.T) {
	mp := mpool.New("test", 0)
	a := newBatch(t, mp, []int64{1, 2})
	b := newBatch(t, mp, []int64{3})

	got, err := a.Append(mp, b)
	require.NoError(t, err)
	require.Equal(t, 3, got.RowCount())
	require.Equal(t, []int64{1, 2, 3}, vector.FixedCol[int64](got.Vecs[0]))

	b.Clean(mp)
	got.Clean(mp)
}

func TestBatchShrinkAndWindow(t *testing.T) {
	mp := mpool.New("test", 0)
	a := newBatch(t, mp, []int64{10, 20, 30, 40})

	w := a.Window(1, 3)
	require.Equal(t, 2, w.RowCount())
	require.Equal(t, []int64{20, 30}, vector.FixedCol[int64](w.Vecs[0]))

	require.NoError(t, a.Shrink([]int64{3, 0}, mp))
	require.Equal(t, []int64{40, 10}, vector.FixedCol[int64](a.Vecs[0]))
	a.Clean(mp)
}

func TestBatchMarshalRoundTrip(t *testing.T) {
	mp := mpool.New("test", 0)
	a := newBatch(t, mp, []int64{7, 8, 9}, "k")

	data, err := a.MarshalBinary()
	require.NoError(t, err)

	got := NewWithSize(0)
	require.NoError(t, got.UnmarshalBinary(data, mp))
	require.Equal(t, 3, got.RowCount())
	require.Equal(t, []string{"k"}, got.Attrs)
	require.Equal(t, []int64{7, 8, 9}, vector.FixedCol[int64](got.Vecs[0]))

	a.Clean(mp)
	got.Clean(mp)
}

func TestBatchRefCount(t *testing.T) {
	mp := mpool.New("test", 0)
	a := newBatch(t, mp, []int64{1})
	a.AddCnt(1)
	a.Clean(mp)
	// still alive under the second reference
	require.Equal(t, []int64{1}, vector.FixedCol[int64](a.Vecs[0]))
	a.Clean(mp)
	require.Nil(t, a.Vecs)
}
