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

package plan

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/stretchr/testify/require"
)

func TestParseTree(t *testing.T) {
	text := `LogicalSort(sort0=[$0], dir0=[ASC], fetch=[50])
  LogicalProject(k=[$0], v=[$1])
    LogicalTableScan(table=[[main, t]])
`
	root, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, OpSort, root.Op)
	require.Len(t, root.Children, 1)

	proj := root.Children[0]
	require.Equal(t, OpProject, proj.Op)
	require.Equal(t, []string{"k", "v"}, proj.Order)
	require.Len(t, proj.Children, 1)

	scan := proj.Children[0]
	require.Equal(t, OpTableScan, scan.Op)
	tbl, ok := scan.Param("table")
	require.True(t, ok)
	require.Equal(t, "t", TableName(tbl))
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"LogicalSort(fetch=[1]",
		" LogicalTableScan(table=[t])",
		"LogicalSort(fetch=[1])\n    LogicalTableScan(table=[t])",
	}
	for _, text := range cases {
		_, err := Parse(text)
		require.True(t, baerr.IsCode(err, baerr.ErrPlanParse), "plan %q", text)
	}
}

func TestSortVars(t *testing.T) {
	root, err := Parse("LogicalSort(sort0=[$1], dir0=[DESC], sort1=[$0], dir1=[ASC], fetch=[10])")
	require.NoError(t, err)
	fields, fetch, err := SortVars(root)
	require.NoError(t, err)
	require.Equal(t, []sort.Field{{Index: 1, Desc: true}, {Index: 0}}, fields)
	require.Equal(t, int64(10), fetch)

	root, err = Parse("LogicalSort(fetch=[5])")
	require.NoError(t, err)
	fields, fetch, err = SortVars(root)
	require.NoError(t, err)
	require.Empty(t, fields)
	require.Equal(t, int64(5), fetch)
}

func TestAggCall(t *testing.T) {
	name, col, err := AggCall("SUM($2)")
	require.NoError(t, err)
	require.Equal(t, "SUM", name)
	require.Equal(t, int32(2), col)

	name, col, err = AggCall("COUNT()")
	require.NoError(t, err)
	require.Equal(t, "COUNT", name)
	require.Equal(t, int32(-1), col)
}

func TestJoinKeys(t *testing.T) {
	l, r, err := JoinKeys("=($0, $3)", 2)
	require.NoError(t, err)
	require.Equal(t, []int32{0}, l)
	require.Equal(t, []int32{1}, r)

	l, r, err = JoinKeys("AND(=($0, $2), =($1, $3))", 2)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1}, l)
	require.Equal(t, []int32{0, 1}, r)

	_, _, err = JoinKeys("=($0, $1)", 2)
	require.Error(t, err)
}

func TestGroupSetAndIntList(t *testing.T) {
	got, err := GroupSet("{0, 2}")
	require.NoError(t, err)
	require.Equal(t, []int32{0, 2}, got)

	got, err = IntList("[0, 1]")
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1}, got)
}
