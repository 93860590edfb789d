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

package compile

import (
	"math/rand"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/sql/colexec/scan"
	"github.com/basaltdb/basalt/pkg/testutil"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/stretchr/testify/require"
)

func runPlan(t *testing.T, provider *testutil.MemProvider, planText string,
	options map[string]string) ([]*batch.Batch, *process.Process) {
	t.Helper()
	rt := NewRuntime(&config.EngineConfig{}, provider)
	proc := rt.NewQuery(uint32(rand.Int31()), options)
	c, err := rt.Generate(proc, planText)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	result, err := c.Wait()
	require.NoError(t, err)
	return result, proc
}

func cleanResult(proc *process.Process, bats []*batch.Batch) {
	for _, bat := range bats {
		bat.Clean(proc.Mp)
	}
}

func TestScanLimitShortCircuit(t *testing.T) {
	provider := testutil.NewMemProvider()
	var parts [][]int32
	for b := 0; b < 10; b++ {
		vals := make([]int32, 1000)
		for i := range vals {
			vals[i] = int32(b*1000 + i)
		}
		parts = append(parts, vals)
	}
	provider.AddInt32Table("t", "k", parts...)

	rt := NewRuntime(&config.EngineConfig{}, provider)
	proc := rt.NewQuery(7, nil)
	c, err := rt.Generate(proc, "LogicalSort(fetch=[50])\n  LogicalTableScan(table=[[main, t]])\n")
	require.NoError(t, err)
	require.NoError(t, c.Start())
	result, err := c.Wait()
	require.NoError(t, err)

	require.Equal(t, 50, len(testutil.Int32Col(result, 0)))
	sc, ok := c.Graph().GetNode(0).(*scan.Argument)
	require.True(t, ok)
	require.LessOrEqual(t, sc.BatchesOpened(), int64(2))
	cleanResult(proc, result)
}

func TestSingleNodeSort(t *testing.T) {
	const n = 200000
	rnd := rand.New(rand.NewSource(11))
	var parts [][]int32
	var all []int32
	for b := 0; b < 20; b++ {
		vals := make([]int32, n/20)
		for i := range vals {
			vals[i] = rnd.Int31n(1 << 30)
		}
		all = append(all, vals...)
		parts = append(parts, vals)
	}
	provider := testutil.NewMemProvider()
	provider.AddInt32Table("t", "k", parts...)

	result, proc := runPlan(t, provider,
		"LogicalSort(sort0=[$0], dir0=[ASC])\n  LogicalTableScan(table=[[main, t]])\n", nil)
	got := testutil.Int32Col(result, 0)

	require.Equal(t, n, len(got))
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	require.Equal(t, all, got)
	cleanResult(proc, result)
}

func TestSortWithFetch(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddInt32Table("t", "k",
		[]int32{5, 3, 9, 1}, []int32{8, 2, 7, 4}, []int32{6, 0})

	result, proc := runPlan(t, provider,
		"LogicalSort(sort0=[$0], dir0=[ASC], fetch=[4])\n  LogicalTableScan(table=[[main, t]])\n", nil)
	require.Equal(t, []int32{0, 1, 2, 3}, testutil.Int32Col(result, 0))
	cleanResult(proc, result)
}

func TestSortDescending(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddInt32Table("t", "k", []int32{5, 3, 9, 1})

	result, proc := runPlan(t, provider,
		"LogicalSort(sort0=[$0], dir0=[DESC])\n  LogicalTableScan(table=[[main, t]])\n", nil)
	require.Equal(t, []int32{9, 5, 3, 1}, testutil.Int32Col(result, 0))
	cleanResult(proc, result)
}

func TestFilterAndProject(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddTable("t", []string{"a", "b"},
		[]types.Type{types.New(types.T_int32), types.New(types.T_int64)},
		[]interface{}{[]int32{1, 2, 3, 4}, []int64{10, 20, 30, 40}})

	result, proc := runPlan(t, provider,
		"LogicalProject(b=[$1])\n  LogicalFilter(condition=[>($0, 2)])\n    LogicalTableScan(table=[[main, t]])\n", nil)
	require.Equal(t, []int64{30, 40}, testutil.Int64Col(result, 0))
	cleanResult(proc, result)
}

func TestAggregate(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddTable("t", []string{"g", "v"},
		[]types.Type{types.New(types.T_int32), types.New(types.T_int64)},
		[]interface{}{[]int32{1, 2, 1, 2, 1}, []int64{10, 20, 30, 40, 50}})

	result, proc := runPlan(t, provider,
		"LogicalAggregate(group=[{0}], agg#0=[COUNT()], agg#1=[SUM($1)])\n  LogicalTableScan(table=[[main, t]])\n", nil)

	groups := testutil.Int32Col(result, 0)
	counts := testutil.Int64Col(result, 1)
	require.Len(t, groups, 2)

	byGroup := map[int32]int64{}
	for i, g := range groups {
		byGroup[g] = counts[i]
	}
	require.Equal(t, map[int32]int64{1: 3, 2: 2}, byGroup)
	cleanResult(proc, result)
}

func TestJoin(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddTable("l", []string{"a", "b"},
		[]types.Type{types.New(types.T_int32), types.New(types.T_int64)},
		[]interface{}{[]int32{1, 2, 3}, []int64{10, 20, 30}})
	provider.AddTable("r", []string{"c", "d"},
		[]types.Type{types.New(types.T_int32), types.New(types.T_int64)},
		[]interface{}{[]int32{2, 3, 4}, []int64{200, 300, 400}})

	result, proc := runPlan(t, provider,
		"LogicalJoin(condition=[=($0, $2)], joinType=[inner])\n"+
			"  LogicalTableScan(table=[[main, l]])\n"+
			"  LogicalTableScan(table=[[main, r]])\n", nil)

	keys := testutil.Int32Col(result, 0)
	ds := testutil.Int64Col(result, 3)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	require.Equal(t, []int32{2, 3}, keys)
	require.Equal(t, []int64{200, 300}, ds)
	cleanResult(proc, result)
}

func TestUnionAll(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddInt32Table("a", "k", []int32{1, 2})
	provider.AddInt32Table("b", "k", []int32{3})

	result, proc := runPlan(t, provider,
		"LogicalUnion(all=[true])\n"+
			"  LogicalTableScan(table=[[main, a]])\n"+
			"  LogicalTableScan(table=[[main, b]])\n", nil)

	got := testutil.Int32Col(result, 0)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []int32{1, 2, 3}, got)
	cleanResult(proc, result)
}

func TestWindowRowNumber(t *testing.T) {
	provider := testutil.NewMemProvider()
	provider.AddTable("t", []string{"g", "v"},
		[]types.Type{types.New(types.T_int32), types.New(types.T_int32)},
		[]interface{}{[]int32{2, 1, 2, 1}, []int32{9, 8, 7, 6}})

	result, proc := runPlan(t, provider,
		"LogicalWindow(partition=[$0], sort0=[$1], dir0=[ASC], agg0=[ROW_NUMBER()])\n"+
			"  LogicalTableScan(table=[[main, t]])\n", nil)

	gs := testutil.Int32Col(result, 0)
	vs := testutil.Int32Col(result, 1)
	rns := testutil.Int64Col(result, 2)
	require.Len(t, gs, 4)
	// sorted by (g, v): (1,6)(1,8)(2,7)(2,9) with row numbers restarting
	require.Equal(t, []int32{1, 1, 2, 2}, gs)
	require.Equal(t, []int32{6, 8, 7, 9}, vs)
	require.Equal(t, []int64{1, 2, 1, 2}, rns)
	cleanResult(proc, result)
}

func TestCancellationMidSort(t *testing.T) {
	const n = 500000
	rnd := rand.New(rand.NewSource(3))
	var parts [][]int32
	for b := 0; b < 50; b++ {
		vals := make([]int32, n/50)
		for i := range vals {
			vals[i] = rnd.Int31()
		}
		parts = append(parts, vals)
	}
	provider := testutil.NewMemProvider()
	provider.AddInt32Table("t", "k", parts...)

	rt := NewRuntime(&config.EngineConfig{}, provider)
	proc := rt.NewQuery(99, nil)
	c, err := rt.Generate(proc,
		"LogicalSort(sort0=[$0], dir0=[ASC])\n  LogicalTableScan(table=[[main, t]])\n")
	require.NoError(t, err)
	require.NoError(t, c.Start())

	time.Sleep(20 * time.Millisecond)
	c.Cancel()
	_, err = c.Wait()
	require.True(t, baerr.IsCode(err, baerr.OkQueryCancelled))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// TestTwoNodeDistributedSort runs the same plan on two in-process nodes
// with the data split between them and checks that node 0's output
// followed by node 1's is globally sorted.
func TestTwoNodeDistributedSort(t *testing.T) {
	const n = 20000
	rnd := rand.New(rand.NewSource(5))
	all := make([]int32, n)
	for i := range all {
		all[i] = rnd.Int31n(1 << 30)
	}

	makeProvider := func(lo, hi int) *testutil.MemProvider {
		p := testutil.NewMemProvider()
		var parts [][]int32
		for start := lo; start < hi; start += 1000 {
			end := start + 1000
			if end > hi {
				end = hi
			}
			parts = append(parts, all[start:end])
		}
		p.AddInt32Table("t", "k", parts...)
		return p
	}

	nodes := []process.Node{
		{ID: 0, Address: freeAddr(t)},
		{ID: 1, Address: freeAddr(t)},
	}
	options := map[string]string{
		config.KeyMaxOrderByPartitionsPerNode: "4",
		config.KeyNumBytesPerOrderByPartition: "1024",
	}
	planText := "LogicalSort(sort0=[$0], dir0=[ASC])\n  LogicalTableScan(table=[[main, t]])\n"

	rts := make([]*Runtime, 2)
	compiles := make([]*Compile, 2)
	procs := make([]*process.Process, 2)
	for i := 0; i < 2; i++ {
		provider := makeProvider(i*n/2, (i+1)*n/2)
		rts[i] = NewRuntime(&config.EngineConfig{}, provider)
		require.NoError(t, rts[i].StartCluster(uint16(i), nodes))
		defer func(rt *Runtime) { _ = rt.Close() }(rts[i])

		procs[i] = rts[i].NewQuery(1234, options)
		c, err := rts[i].Generate(procs[i], planText)
		require.NoError(t, err)
		compiles[i] = c
	}

	type outcome struct {
		vals []int32
		err  error
	}
	results := make([]outcome, 2)
	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer func() { done <- i }()
			if err := compiles[i].Start(); err != nil {
				results[i].err = err
				return
			}
			bats, err := compiles[i].Wait()
			if err != nil {
				results[i].err = err
				return
			}
			results[i].vals = testutil.Int32Col(bats, 0)
			cleanResult(procs[i], bats)
		}(i)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(60 * time.Second):
			t.Fatal("distributed sort timed out")
		}
	}

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)

	got := append(append([]int32(nil), results[0].vals...), results[1].vals...)
	require.Equal(t, n, len(got))
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t, got[i-1], got[i], "output not globally sorted at %d", i)
	}

	expected := append([]int32(nil), all...)
	sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })
	require.Equal(t, expected, got)

	// sampling keeps the split roughly balanced
	require.Greater(t, len(results[0].vals), n/10)
	require.Greater(t, len(results[1].vals), n/10)
}
