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

package colexec

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func TestConjunctionEval(t *testing.T) {
	proc := testutil.NewProc()
	bat := testutil.NewInt32Batch(proc, "k", []int32{1, 5, 10})
	defer bat.Clean(proc.Mp)

	cond := Conjunction{{Op: GT, Col: 0, Literal: "2"}, {Op: LE, Col: 0, Literal: "10"}}

	keep, err := cond.EvalRow(bat, 0)
	require.NoError(t, err)
	require.False(t, keep)

	keep, err = cond.EvalRow(bat, 1)
	require.NoError(t, err)
	require.True(t, keep)

	keep, err = cond.EvalRow(bat, 2)
	require.NoError(t, err)
	require.True(t, keep)

	bad := Conjunction{{Op: EQ, Col: 0, Literal: "abc"}}
	_, err = bad.EvalRow(bat, 0)
	require.Error(t, err)
}

func TestHashRowStable(t *testing.T) {
	proc := testutil.NewProc()
	a := testutil.NewInt32Batch(proc, "k", []int32{7, 7, 8})
	defer a.Clean(proc.Mp)

	h0 := HashRow(a, []int32{0}, 0)
	h1 := HashRow(a, []int32{0}, 1)
	h2 := HashRow(a, []int32{0}, 2)
	require.Equal(t, h0, h1)
	require.NotEqual(t, h0, h2)
}

func TestKindFor(t *testing.T) {
	require.Equal(t, "samples_3", KindFor(KindSamples, 3))
	require.NotEqual(t, KindFor(KindPartition, 1), KindFor(KindPartition, 2))
}
