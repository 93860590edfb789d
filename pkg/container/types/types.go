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

package types

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// T is the column type id. The numeric values are part of the inter-node
// wire format and must not be reordered.
type T uint16

const (
	T_any T = iota
	T_bool
	T_int32
	T_int64
	T_float64
	T_varchar
)

// Type describes one column type.
type Type struct {
	Oid T
	// Size is the fixed element width in bytes; 0 for var-length types.
	Size int32
}

func New(oid T) Type {
	return Type{Oid: oid, Size: oid.FixedSize()}
}

// FixedSize returns the element width of a fixed-size type, 0 otherwise.
func (t T) FixedSize() int32 {
	switch t {
	case T_bool:
		return 1
	case T_int32:
		return 4
	case T_int64, T_float64:
		return 8
	default:
		return 0
	}
}

// IsVarlen reports whether the type stores var-length payloads.
func (t T) IsVarlen() bool { return t == T_varchar }

func (t T) String() string {
	switch t {
	case T_bool:
		return "BOOL"
	case T_int32:
		return "INT32"
	case T_int64:
		return "INT64"
	case T_float64:
		return "FLOAT64"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("T(%d)", uint16(t))
}

func (t Type) String() string { return t.Oid.String() }

// FixedSlice casts a raw byte buffer to a typed slice without copying.
func FixedSlice[V any](data []byte) []V {
	var v V
	sz := int(unsafe.Sizeof(v))
	if len(data) == 0 || sz == 0 {
		return nil
	}
	return unsafe.Slice((*V)(unsafe.Pointer(&data[0])), len(data)/sz)
}

// FixedBytes casts a typed slice back to its raw byte representation.
func FixedBytes[V any](col []V) []byte {
	var v V
	sz := int(unsafe.Sizeof(v))
	if len(col) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&col[0])), len(col)*sz)
}

// EncodeUint32 appends v to buf little-endian.
func EncodeUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// EncodeUint64 appends v to buf little-endian.
func EncodeUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// EncodeUint16 appends v to buf little-endian.
func EncodeUint16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

// DecodeUint32 reads a little-endian u32 from the front of buf.
func DecodeUint32(buf []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(buf), buf[4:]
}

// DecodeUint64 reads a little-endian u64 from the front of buf.
func DecodeUint64(buf []byte) (uint64, []byte) {
	return binary.LittleEndian.Uint64(buf), buf[8:]
}

// DecodeUint16 reads a little-endian u16 from the front of buf.
func DecodeUint16(buf []byte) (uint16, []byte) {
	return binary.LittleEndian.Uint16(buf), buf[2:]
}
