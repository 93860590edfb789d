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
	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/nulls"
	"github.com/basaltdb/basalt/pkg/container/types"
)

// Serialized vector layout, little-endian:
//
//	u16 type-id, u64 length,
//	u32 data len + bytes,
//	u32 area len + bytes,
//	u32 offs count + u32 pairs (offset, length) per row,
//	u32 nulls len + roaring bytes.
//
// The same layout backs spill files and the single-buffer message form.

// MarshalBinary serializes the vector.
func (v *Vector) MarshalBinary() ([]byte, error) {
	nb, err := nulls.Marshal(v.nsp)
	if err != nil {
		return nil, err
	}
	size := 2 + 8 + 4 + len(v.data) + 4 + len(v.area) + 4 + 8*len(v.offs) + 4 + len(nb)
	buf := make([]byte, 0, size)
	buf = types.EncodeUint16(buf, uint16(v.typ.Oid))
	buf = types.EncodeUint64(buf, uint64(v.length))
	buf = types.EncodeUint32(buf, uint32(len(v.data)))
	buf = append(buf, v.data...)
	buf = types.EncodeUint32(buf, uint32(len(v.area)))
	buf = append(buf, v.area...)
	buf = types.EncodeUint32(buf, uint32(len(v.offs)))
	for i := range v.offs {
		buf = types.EncodeUint32(buf, v.offs[i])
		buf = types.EncodeUint32(buf, v.lens[i])
	}
	buf = types.EncodeUint32(buf, uint32(len(nb)))
	buf = append(buf, nb...)
	return buf, nil
}

// UnmarshalBinary restores a vector serialized by MarshalBinary. The
// vector copies out of data and owns its storage.
func (v *Vector) UnmarshalBinary(data []byte, mp *mpool.MPool) error {
	if len(data) < 14 {
		return baerr.NewInternal("vector payload truncated: %d bytes", len(data))
	}
	var oid uint16
	var length uint64
	oid, data = types.DecodeUint16(data)
	length, data = types.DecodeUint64(data)
	v.typ = types.New(types.T(oid))
	v.length = int(length)

	var n uint32
	n, data = types.DecodeUint32(data)
	if int(n) > len(data) {
		return baerr.NewInternal("vector data section truncated")
	}
	if n > 0 {
		buf, err := mp.Alloc(int(n))
		if err != nil {
			return err
		}
		copy(buf, data[:n])
		v.data = buf
	}
	data = data[n:]

	n, data = types.DecodeUint32(data)
	if int(n) > len(data) {
		return baerr.NewInternal("vector area section truncated")
	}
	if n > 0 {
		buf, err := mp.Alloc(int(n))
		if err != nil {
			return err
		}
		copy(buf, data[:n])
		v.area = buf
	}
	data = data[n:]

	n, data = types.DecodeUint32(data)
	if int(n)*8 > len(data) {
		return baerr.NewInternal("vector offsets section truncated")
	}
	if n > 0 {
		v.offs = make([]uint32, n)
		v.lens = make([]uint32, n)
		for i := 0; i < int(n); i++ {
			v.offs[i], data = types.DecodeUint32(data)
			v.lens[i], data = types.DecodeUint32(data)
		}
	}

	n, data = types.DecodeUint32(data)
	if int(n) > len(data) {
		return baerr.NewInternal("vector nulls section truncated")
	}
	nsp, err := nulls.Unmarshal(data[:n])
	if err != nil {
		return baerr.NewInternal("vector nulls section corrupt: %v", err)
	}
	v.nsp = nsp
	return nil
}
