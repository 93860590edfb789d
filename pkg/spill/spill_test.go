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

package spill

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/stretchr/testify/require"
)

func TestSpillRoundTrip(t *testing.T) {
	mp := mpool.New("test", 0)
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	bat := batch.NewWithSize(2)
	bat.Attrs = []string{"k", "s"}
	vk := vector.NewVec(types.New(types.T_int64))
	vs := vector.NewVec(types.New(types.T_varchar))
	for i := int64(0); i < 1000; i++ {
		require.NoError(t, vector.AppendFixed(vk, i, false, mp))
		require.NoError(t, vs.AppendBytes([]byte("row-payload"), false, mp))
	}
	bat.Vecs[0], bat.Vecs[1] = vk, vs
	bat.SetRowCount(1000)

	ref, err := store.Write(bat)
	require.NoError(t, err)
	require.Equal(t, 1000, ref.Rows)
	require.Greater(t, ref.RawBytes, int64(0))

	got, err := store.Read(ref, mp)
	require.NoError(t, err)
	require.Equal(t, 1000, got.RowCount())
	require.Equal(t, []string{"k", "s"}, got.Attrs)
	require.Equal(t, vector.FixedCol[int64](bat.Vecs[0]), vector.FixedCol[int64](got.Vecs[0]))
	require.Equal(t, "row-payload", string(got.Vecs[1].GetBytesAt(999)))

	// read consumed the spilled entry
	_, err = store.Read(ref, mp)
	require.Error(t, err)

	bat.Clean(mp)
	got.Clean(mp)
}

func TestSpillRemove(t *testing.T) {
	mp := mpool.New("test", 0)
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	bat := batch.NewWithSize(1)
	bat.Attrs = []string{"k"}
	v := vector.NewVec(types.New(types.T_int32))
	require.NoError(t, vector.AppendFixedList(v, []int32{1, 2, 3}, mp))
	bat.Vecs[0] = v
	bat.SetRowCount(3)

	ref, err := store.Write(bat)
	require.NoError(t, err)
	require.NoError(t, store.Remove(ref))
	_, err = store.Read(ref, mp)
	require.Error(t, err)
	bat.Clean(mp)
}
