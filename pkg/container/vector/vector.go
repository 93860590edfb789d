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
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/nulls"
	"github.com/basaltdb/basalt/pkg/container/types"
)

// Vector is one column of a batch. Fixed-width types live in data; varchar
// payloads live in area addressed by per-row offset/length pairs.
type Vector struct {
	typ types.Type
	nsp *nulls.Nulls

	data []byte
	area []byte
	offs []uint32
	lens []uint32

	length int
	sorted bool

	// view vectors share storage with their parent and must not be freed.
	isView bool
}

func NewVec(typ types.Type) *Vector {
	return &Vector{typ: typ}
}

func (v *Vector) GetType() *types.Type { return &v.typ }

func (v *Vector) Length() int { return v.length }

func (v *Vector) GetNulls() *nulls.Nulls { return v.nsp }

func (v *Vector) SetSorted(s bool) { v.sorted = s }

func (v *Vector) GetSorted() bool { return v.sorted }

// IsNull reports whether row i is null.
func (v *Vector) IsNull(i int) bool {
	return nulls.Contains(v.nsp, uint32(i))
}

// Size returns the byte footprint of the vector payload.
func (v *Vector) Size() int {
	size := len(v.data) + len(v.area) + 8*len(v.offs)
	if nulls.Any(v.nsp) {
		size += int(v.nsp.Np.GetSizeInBytes())
	}
	return size
}

// FixedCol views the fixed-width storage as a typed slice.
func FixedCol[V any](v *Vector) []V {
	return types.FixedSlice[V](v.data)[:v.length]
}

// GetFixedAt reads the element at row i.
func GetFixedAt[V any](v *Vector, i int) V {
	return types.FixedSlice[V](v.data)[i]
}

// GetBytesAt returns the varchar payload at row i, valid while v lives.
func (v *Vector) GetBytesAt(i int) []byte {
	off, ln := v.offs[i], v.lens[i]
	return v.area[off : off+ln]
}

func (v *Vector) setNull(row int) {
	if v.nsp == nil {
		v.nsp = &nulls.Nulls{}
	}
	nulls.Add(v.nsp, uint32(row))
}

func (v *Vector) growData(n int, mp *mpool.MPool) error {
	need := len(v.data) + n
	if need <= cap(v.data) {
		v.data = v.data[:need]
		return nil
	}
	newCap := cap(v.data)*2 + n
	buf, err := mp.Alloc(newCap)
	if err != nil {
		return err
	}
	buf = buf[:need]
	copy(buf, v.data)
	mp.Free(v.data[:cap(v.data)])
	v.data = buf
	return nil
}

func (v *Vector) growArea(n int, mp *mpool.MPool) error {
	need := len(v.area) + n
	if need <= cap(v.area) {
		v.area = v.area[:need]
		return nil
	}
	newCap := cap(v.area)*2 + n
	buf, err := mp.Alloc(newCap)
	if err != nil {
		return err
	}
	buf = buf[:need]
	copy(buf, v.area)
	mp.Free(v.area[:cap(v.area)])
	v.area = buf
	return nil
}

// AppendFixed appends one fixed-width value.
func AppendFixed[V any](v *Vector, val V, isNull bool, mp *mpool.MPool) error {
	sz := int(v.typ.Size)
	if err := v.growData(sz, mp); err != nil {
		return err
	}
	types.FixedSlice[V](v.data)[v.length] = val
	if isNull {
		v.setNull(v.length)
	}
	v.length++
	return nil
}

// AppendFixedList appends a run of fixed-width values.
func AppendFixedList[V any](v *Vector, vals []V, mp *mpool.MPool) error {
	sz := int(v.typ.Size)
	if err := v.growData(sz*len(vals), mp); err != nil {
		return err
	}
	copy(types.FixedSlice[V](v.data)[v.length:], vals)
	v.length += len(vals)
	return nil
}

// AppendBytes appends one varchar value.
func (v *Vector) AppendBytes(val []byte, isNull bool, mp *mpool.MPool) error {
	off := uint32(len(v.area))
	if err := v.growArea(len(val), mp); err != nil {
		return err
	}
	copy(v.area[off:], val)
	v.offs = append(v.offs, off)
	v.lens = append(v.lens, uint32(len(val)))
	if isNull {
		v.setNull(v.length)
	}
	v.length++
	return nil
}

// appendOneFrom appends row sel of w.
func (v *Vector) appendOneFrom(w *Vector, sel int64, mp *mpool.MPool) error {
	if w.typ.Oid.IsVarlen() {
		return v.AppendBytes(w.GetBytesAt(int(sel)), w.IsNull(int(sel)), mp)
	}
	sz := int(v.typ.Size)
	if err := v.growData(sz, mp); err != nil {
		return err
	}
	copy(v.data[v.length*sz:], w.data[int(sel)*sz:(int(sel)+1)*sz])
	if w.IsNull(int(sel)) {
		v.setNull(v.length)
	}
	v.length++
	return nil
}

// UnionBatch appends count rows of w starting at offset.
func (v *Vector) UnionBatch(w *Vector, offset, count int, mp *mpool.MPool) error {
	if v.typ.Oid != w.typ.Oid {
		return baerr.NewInternal("union of %s into %s", w.typ, v.typ)
	}
	if count == 0 {
		return nil
	}
	if w.typ.Oid.IsVarlen() {
		for i := offset; i < offset+count; i++ {
			if err := v.AppendBytes(w.GetBytesAt(i), w.IsNull(i), mp); err != nil {
				return err
			}
		}
		return nil
	}
	sz := int(v.typ.Size)
	base := v.length
	if err := v.growData(sz*count, mp); err != nil {
		return err
	}
	copy(v.data[base*sz:], w.data[offset*sz:(offset+count)*sz])
	if nulls.Any(w.nsp) {
		if v.nsp == nil {
			v.nsp = &nulls.Nulls{}
		}
		nulls.Range(v.nsp, w.nsp, uint32(offset), uint32(offset+count), uint32(base))
	}
	v.length += count
	return nil
}

// Union gathers the selected rows of w and appends them.
func (v *Vector) Union(w *Vector, sels []int64, mp *mpool.MPool) error {
	if v.typ.Oid != w.typ.Oid {
		return baerr.NewInternal("union of %s into %s", w.typ, v.typ)
	}
	for _, sel := range sels {
		if err := v.appendOneFrom(w, sel, mp); err != nil {
			return err
		}
	}
	return nil
}

// Shrink keeps only the selected rows, in sel order.
func (v *Vector) Shrink(sels []int64, mp *mpool.MPool) error {
	nv := NewVec(v.typ)
	if err := nv.Union(v, sels, mp); err != nil {
		nv.Free(mp)
		return err
	}
	old := *v
	*v = *nv
	old.Free(mp)
	return nil
}

// Window returns a non-owning view of rows [start, end).
func (v *Vector) Window(start, end int) *Vector {
	w := &Vector{
		typ:    v.typ,
		length: end - start,
		sorted: v.sorted,
		isView: true,
	}
	if v.typ.Oid.IsVarlen() {
		w.area = v.area
		w.offs = v.offs[start:end]
		w.lens = v.lens[start:end]
	} else {
		sz := int(v.typ.Size)
		w.data = v.data[start*sz : end*sz]
	}
	if nulls.Any(v.nsp) {
		nsp := &nulls.Nulls{}
		nulls.Range(nsp, v.nsp, uint32(start), uint32(end), 0)
		w.nsp = nsp
	}
	return w
}

// Dup deep-copies the vector.
func (v *Vector) Dup(mp *mpool.MPool) (*Vector, error) {
	nv := NewVec(v.typ)
	if err := nv.UnionBatch(v, 0, v.length, mp); err != nil {
		nv.Free(mp)
		return nil, err
	}
	nv.sorted = v.sorted
	return nv, nil
}

// Free releases owned storage back to the pool. Views own nothing.
func (v *Vector) Free(mp *mpool.MPool) {
	if v == nil || v.isView {
		return
	}
	if v.data != nil {
		mp.Free(v.data[:cap(v.data)])
		v.data = nil
	}
	if v.area != nil {
		mp.Free(v.area[:cap(v.area)])
		v.area = nil
	}
	v.offs, v.lens = nil, nil
	v.nsp = nil
	v.length = 0
}

// CompareAt orders row i of v against row j of w under the given
// direction. Nulls order after non-nulls regardless of direction.
func (v *Vector) CompareAt(i int, w *Vector, j int, desc bool) int {
	in, jn := v.IsNull(i), w.IsNull(j)
	switch {
	case in && jn:
		return 0
	case in:
		return 1
	case jn:
		return -1
	}
	var cmp int
	switch v.typ.Oid {
	case types.T_bool:
		a, b := GetFixedAt[bool](v, i), GetFixedAt[bool](w, j)
		cmp = boolCompare(a, b)
	case types.T_int32:
		cmp = ordered(GetFixedAt[int32](v, i), GetFixedAt[int32](w, j))
	case types.T_int64:
		cmp = ordered(GetFixedAt[int64](v, i), GetFixedAt[int64](w, j))
	case types.T_float64:
		cmp = ordered(GetFixedAt[float64](v, i), GetFixedAt[float64](w, j))
	case types.T_varchar:
		cmp = bytes.Compare(v.GetBytesAt(i), w.GetBytesAt(j))
	}
	if desc {
		cmp = -cmp
	}
	return cmp
}

func ordered[V int32 | int64 | float64](a, b V) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func (v *Vector) String() string {
	var buf bytes.Buffer
	buf.WriteString(v.typ.String())
	buf.WriteString("[")
	n := v.length
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteString(", ")
		}
		if v.IsNull(i) {
			buf.WriteString("null")
			continue
		}
		switch v.typ.Oid {
		case types.T_bool:
			fmt.Fprintf(&buf, "%v", GetFixedAt[bool](v, i))
		case types.T_int32:
			fmt.Fprintf(&buf, "%d", GetFixedAt[int32](v, i))
		case types.T_int64:
			fmt.Fprintf(&buf, "%d", GetFixedAt[int64](v, i))
		case types.T_float64:
			fmt.Fprintf(&buf, "%g", GetFixedAt[float64](v, i))
		case types.T_varchar:
			fmt.Fprintf(&buf, "%q", v.GetBytesAt(i))
		}
	}
	if v.length > n {
		fmt.Fprintf(&buf, ", …(%d)", v.length)
	}
	buf.WriteString("]")
	return buf.String()
}
