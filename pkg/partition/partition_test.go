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

package partition

import (
	"math/rand"
	"testing"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/stretchr/testify/require"
)

func TestTotalPartitionsInvariants(t *testing.T) {
	cases := []struct {
		rows, avg, per uint64
		maxPer, nodes  int
	}{
		{0, 0, 400000000, 8, 1},
		{1000, 8, 400000000, 8, 1},
		{1 << 30, 64, 400000000, 8, 2},
		{1 << 40, 512, 1024, 8, 4},
		{12345, 100, 1, 3, 5},
	}
	for _, c := range cases {
		p := TotalPartitions(c.rows, c.avg, c.per, c.maxPer, c.nodes)
		require.GreaterOrEqual(t, p, 1)
		require.LessOrEqual(t, p, c.maxPer*c.nodes)
		require.Zero(t, p%c.nodes, "P must be a multiple of the node count")
	}
}

func int64Batch(t *testing.T, mp *mpool.MPool, vals []int64) *batch.Batch {
	t.Helper()
	bat := batch.NewWithSize(1)
	bat.Attrs = []string{"k"}
	v := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(v, vals, mp))
	bat.Vecs[0] = v
	bat.SetRowCount(len(vals))
	return bat
}

func TestPlanPivotCount(t *testing.T) {
	mp := mpool.New("test", 0)
	vals := make([]int64, 1000)
	rnd := rand.New(rand.NewSource(7))
	for i := range vals {
		vals[i] = rnd.Int63n(1 << 20)
	}
	samples := int64Batch(t, mp, vals)
	defer samples.Clean(mp)

	fields := []sort.Field{{Index: 0}}
	pivots, err := Plan(samples, fields, 8, mp)
	require.NoError(t, err)
	require.Equal(t, 7, pivots.RowCount())
	require.True(t, sort.IsSorted(pivots, fields))
	pivots.Clean(mp)
}

func TestSplitPointsAndSplit(t *testing.T) {
	mp := mpool.New("test", 0)
	sorted := int64Batch(t, mp, []int64{1, 2, 3, 5, 5, 8, 9})
	defer sorted.Clean(mp)
	pivots := int64Batch(t, mp, []int64{3, 5})
	defer pivots.Clean(mp)

	fields := []sort.Field{{Index: 0}}
	points := SplitPoints(sorted, fields, pivots)
	// first row > 3 is index 3; first row > 5 is index 5
	require.Equal(t, []int{3, 5}, points)

	subs, err := Split(sorted, points, mp)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, []int64{1, 2, 3}, vector.FixedCol[int64](subs[0].Vecs[0]))
	require.Equal(t, []int64{5, 5}, vector.FixedCol[int64](subs[1].Vecs[0]))
	require.Equal(t, []int64{8, 9}, vector.FixedCol[int64](subs[2].Vecs[0]))
	for _, s := range subs {
		s.Clean(mp)
	}
}

func TestPlanRangesCoverKeySpace(t *testing.T) {
	mp := mpool.New("test", 0)
	rnd := rand.New(rand.NewSource(42))

	vals := make([]int64, 5000)
	for i := range vals {
		vals[i] = rnd.Int63n(1 << 30)
	}
	samples := int64Batch(t, mp, vals)
	defer samples.Clean(mp)

	fields := []sort.Field{{Index: 0}}
	const p = 6
	pivots, err := Plan(samples, fields, p, mp)
	require.NoError(t, err)
	defer pivots.Clean(mp)

	// partitioning fresh sorted data along those pivots yields p ranges
	// whose sizes sum to the input
	data := make([]int64, 10000)
	for i := range data {
		data[i] = rnd.Int63n(1 << 30)
	}
	sorted := int64Batch(t, mp, data)
	defer sorted.Clean(mp)
	require.NoError(t, sort.SortBatch(sorted, fields, mp))

	points := SplitPoints(sorted, fields, pivots)
	subs, err := Split(sorted, points, mp)
	require.NoError(t, err)
	require.Len(t, subs, p)
	total := 0
	for _, s := range subs {
		total += s.RowCount()
		s.Clean(mp)
	}
	require.Equal(t, len(data), total)
}
