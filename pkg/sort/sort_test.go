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

package sort

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/stretchr/testify/require"
)

func twoColBatch(t *testing.T, mp *mpool.MPool, a []int64, b []int64) *batch.Batch {
	t.Helper()
	bat := batch.NewWithSize(2)
	bat.Attrs = []string{"a", "b"}
	va := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(va, a, mp))
	vb := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(vb, b, mp))
	bat.Vecs[0], bat.Vecs[1] = va, vb
	bat.SetRowCount(len(a))
	return bat
}

func TestSortSingleKey(t *testing.T) {
	mp := mpool.New("test", 0)
	bat := twoColBatch(t, mp, []int64{3, 1, 2}, []int64{30, 10, 20})
	require.NoError(t, SortBatch(bat, []Field{{Index: 0}}, mp))
	require.Equal(t, []int64{1, 2, 3}, vector.FixedCol[int64](bat.Vecs[0]))
	require.Equal(t, []int64{10, 20, 30}, vector.FixedCol[int64](bat.Vecs[1]))
	bat.Clean(mp)
}

func TestSortMultiKeyStable(t *testing.T) {
	mp := mpool.New("test", 0)
	bat := twoColBatch(t, mp, []int64{1, 1, 0, 1}, []int64{9, 7, 5, 8})
	require.NoError(t, SortBatch(bat, []Field{{Index: 0}, {Index: 1, Desc: true}}, mp))
	require.Equal(t, []int64{0, 1, 1, 1}, vector.FixedCol[int64](bat.Vecs[0]))
	require.Equal(t, []int64{5, 9, 8, 7}, vector.FixedCol[int64](bat.Vecs[1]))
	bat.Clean(mp)
}

func TestSortNullsLast(t *testing.T) {
	mp := mpool.New("test", 0)
	bat := batch.NewWithSize(1)
	bat.Attrs = []string{"a"}
	v := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixed(v, int64(5), false, mp))
	require.NoError(t, vector.AppendFixed(v, int64(0), true, mp))
	require.NoError(t, vector.AppendFixed(v, int64(1), false, mp))
	bat.Vecs[0] = v
	bat.SetRowCount(3)

	require.NoError(t, SortBatch(bat, []Field{{Index: 0}}, mp))
	col := vector.FixedCol[int64](bat.Vecs[0])
	require.Equal(t, []int64{1, 5}, col[:2])
	require.True(t, bat.Vecs[0].IsNull(2))

	// descending still orders nulls last
	require.NoError(t, SortBatch(bat, []Field{{Index: 0, Desc: true}}, mp))
	col = vector.FixedCol[int64](bat.Vecs[0])
	require.Equal(t, []int64{5, 1}, col[:2])
	require.True(t, bat.Vecs[0].IsNull(2))

	bat.Clean(mp)
}

func TestIsSorted(t *testing.T) {
	mp := mpool.New("test", 0)
	bat := twoColBatch(t, mp, []int64{1, 2, 3}, []int64{0, 0, 0})
	require.True(t, IsSorted(bat, []Field{{Index: 0}}))
	require.False(t, IsSorted(bat, []Field{{Index: 0, Desc: true}}))
	bat.Clean(mp)
}
