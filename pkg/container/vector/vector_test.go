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

package vector

import (
	"testing"

	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	mp := mpool.New("test", 0)
	v := NewVec(types.New(types.T_int64))
	require.NoError(t, AppendFixedList(v, []int64{3, 1, 2}, mp))
	require.NoError(t, AppendFixed(v, int64(9), true, mp))

	require.Equal(t, 4, v.Length())
	require.Equal(t, []int64{3, 1, 2, 9}, FixedCol[int64](v))
	require.False(t, v.IsNull(0))
	require.True(t, v.IsNull(3))
	v.Free(mp)
}

func TestVarcharAppend(t *testing.T) {
	mp := mpool.New("test", 0)
	v := NewVec(types.New(types.T_varchar))
	require.NoError(t, v.AppendBytes([]byte("hello"), false, mp))
	require.NoError(t, v.AppendBytes(nil, true, mp))
	require.NoError(t, v.AppendBytes([]byte("world"), false, mp))

	require.Equal(t, "hello", string(v.GetBytesAt(0)))
	require.Equal(t, "world", string(v.GetBytesAt(2)))
	require.True(t, v.IsNull(1))
	v.Free(mp)
}

func TestUnionBatchAndWindow(t *testing.T) {
	mp := mpool.New("test", 0)
	a := NewVec(types.New(types.T_int32))
	require.NoError(t, AppendFixedList(a, []int32{1, 2, 3, 4}, mp))

	b := NewVec(types.New(types.T_int32))
	require.NoError(t, b.UnionBatch(a, 1, 2, mp))
	require.Equal(t, []int32{2, 3}, FixedCol[int32](b))

	w := a.Window(2, 4)
	require.Equal(t, []int32{3, 4}, FixedCol[int32](w))

	require.NoError(t, b.Union(a, []int64{0, 3}, mp))
	require.Equal(t, []int32{2, 3, 1, 4}, FixedCol[int32](b))

	a.Free(mp)
	b.Free(mp)
}

func TestCompareNullsLast(t *testing.T) {
	mp := mpool.New("test", 0)
	v := NewVec(types.New(types.T_int32))
	require.NoError(t, AppendFixed(v, int32(5), false, mp))
	require.NoError(t, AppendFixed(v, int32(0), true, mp)) // null
	require.NoError(t, AppendFixed(v, int32(7), false, mp))

	// nulls order after non-nulls in both directions
	require.Equal(t, 1, v.CompareAt(1, v, 0, false))
	require.Equal(t, -1, v.CompareAt(0, v, 1, false))
	require.Equal(t, 1, v.CompareAt(1, v, 0, true))
	require.Equal(t, 0, v.CompareAt(1, v, 1, false))

	require.Equal(t, -1, v.CompareAt(0, v, 2, false))
	require.Equal(t, 1, v.CompareAt(0, v, 2, true))
	v.Free(mp)
}

func TestMarshalRoundTrip(t *testing.T) {
	mp := mpool.New("test", 0)
	v := NewVec(types.New(types.T_varchar))
	require.NoError(t, v.AppendBytes([]byte("a"), false, mp))
	require.NoError(t, v.AppendBytes([]byte("bb"), false, mp))
	require.NoError(t, v.AppendBytes(nil, true, mp))

	data, err := v.MarshalBinary()
	require.NoError(t, err)

	got := NewVec(types.Type{})
	require.NoError(t, got.UnmarshalBinary(data, mp))
	require.Equal(t, types.T_varchar, got.GetType().Oid)
	require.Equal(t, 3, got.Length())
	require.Equal(t, "a", string(got.GetBytesAt(0)))
	require.Equal(t, "bb", string(got.GetBytesAt(1)))
	require.True(t, got.IsNull(2))

	v.Free(mp)
	got.Free(mp)
}
