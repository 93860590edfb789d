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

package group

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/testutil"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/stretchr/testify/require"
)

func twoCol(t *testing.T, proc *process.Process, g []int32, v []int64) *batch.Batch {
	t.Helper()
	bat := batch.NewWithSize(2)
	bat.Attrs = []string{"g", "v"}
	vg := vector.NewVec(types.New(types.T_int32))
	require.NoError(t, vector.AppendFixedList(vg, g, proc.Mp))
	vv := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(vv, v, proc.Mp))
	bat.Vecs[0], bat.Vecs[1] = vg, vv
	bat.SetRowCount(len(g))
	return bat
}

func runKernel(t *testing.T, proc *process.Process, k kernel.Kernel,
	in *cache.Data, out *cache.Data) {
	t.Helper()
	k.Base().BindInput(kernel.DefaultPort, in)
	k.Base().BindOutput(kernel.DefaultPort, out)
	require.NoError(t, k.Prepare(proc))
	require.NoError(t, k.Run(proc))
	k.Base().CloseOutputs()
}

func TestGroupCountSumMinMax(t *testing.T) {
	proc := testutil.NewProc()
	in := cache.New(proc, "in", cache.Settings{Kind: cache.Simple})
	out := cache.New(proc, "out", cache.Settings{Kind: cache.Simple})

	require.NoError(t, in.Put(twoCol(t, proc, []int32{1, 2, 1}, []int64{5, 7, 3})))
	require.NoError(t, in.Put(twoCol(t, proc, []int32{2, 1}, []int64{9, 8})))
	in.Close()

	k := New(0, []int32{0}, []Agg{
		{Func: AggCount, Col: -1},
		{Func: AggSum, Col: 1},
		{Func: AggMin, Col: 1},
		{Func: AggMax, Col: 1},
	})
	runKernel(t, proc, k, in, out)

	bat, err := out.Pull()
	require.NoError(t, err)
	require.NotNil(t, bat)
	require.Equal(t, 2, bat.RowCount())

	groups := vector.FixedCol[int32](bat.Vecs[0])
	counts := vector.FixedCol[int64](bat.Vecs[1])
	sums := vector.FixedCol[float64](bat.Vecs[2])
	mins := vector.FixedCol[float64](bat.Vecs[3])
	maxs := vector.FixedCol[float64](bat.Vecs[4])

	// insertion order: group 1 first
	require.Equal(t, []int32{1, 2}, groups)
	require.Equal(t, []int64{3, 2}, counts)
	require.Equal(t, []float64{16, 16}, sums)
	require.Equal(t, []float64{3, 7}, mins)
	require.Equal(t, []float64{8, 9}, maxs)
	bat.Clean(proc.Mp)
}

func TestGroupApproxCountDistinct(t *testing.T) {
	proc := testutil.NewProc()
	in := cache.New(proc, "in", cache.Settings{Kind: cache.Simple})
	out := cache.New(proc, "out", cache.Settings{Kind: cache.Simple})

	g := make([]int32, 1000)
	v := make([]int64, 1000)
	for i := range g {
		g[i] = 1
		v[i] = int64(i % 100)
	}
	require.NoError(t, in.Put(twoCol(t, proc, g, v)))
	in.Close()

	k := New(0, []int32{0}, []Agg{{Func: AggApproxCountDistinct, Col: 1}})
	runKernel(t, proc, k, in, out)

	bat, err := out.Pull()
	require.NoError(t, err)
	require.NotNil(t, bat)
	est := vector.FixedCol[int64](bat.Vecs[1])[0]
	// hyperloglog estimate stays within a few percent at this cardinality
	require.InDelta(t, 100, float64(est), 10)
	bat.Clean(proc.Mp)
}

func TestParseAggFunc(t *testing.T) {
	f, err := ParseAggFunc("sum")
	require.NoError(t, err)
	require.Equal(t, AggSum, f)
	_, err = ParseAggFunc("MEDIAN")
	require.Error(t, err)
}
