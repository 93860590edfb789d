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

// Package nulls wraps the roaring bitmap library to track NULL positions
// in a column. A nil *Nulls or an empty bitmap means no nulls.
package nulls

import (
	"github.com/RoaringBitmap/roaring"
)

type Nulls struct {
	Np *roaring.Bitmap
}

func New() *Nulls {
	return &Nulls{Np: roaring.New()}
}

// Any reports whether nsp holds at least one null row.
func Any(nsp *Nulls) bool {
	return nsp != nil && nsp.Np != nil && !nsp.Np.IsEmpty()
}

// Size returns the number of null rows.
func Size(nsp *Nulls) int {
	if nsp == nil || nsp.Np == nil {
		return 0
	}
	return int(nsp.Np.GetCardinality())
}

// Contains reports whether row is null.
func Contains(nsp *Nulls, row uint32) bool {
	return nsp != nil && nsp.Np != nil && nsp.Np.Contains(row)
}

// Add marks rows as null, allocating the bitmap on first use.
func Add(nsp *Nulls, rows ...uint32) {
	if nsp.Np == nil {
		nsp.Np = roaring.New()
	}
	nsp.Np.AddMany(rows)
}

// Set copies every null row of m into nsp, offset by shift. Used when
// appending one vector's rows after another's.
func Set(nsp *Nulls, m *Nulls, shift uint32) {
	if !Any(m) {
		return
	}
	if nsp.Np == nil {
		nsp.Np = roaring.New()
	}
	it := m.Np.Iterator()
	for it.HasNext() {
		nsp.Np.Add(it.Next() + shift)
	}
}

// Filter rewrites nsp against a gather selection: row i of the result is
// null iff sels[i] was null in the input.
func Filter(nsp *Nulls, sels []int64) *Nulls {
	if !Any(nsp) {
		return nil
	}
	np := roaring.New()
	for i, sel := range sels {
		if nsp.Np.Contains(uint32(sel)) {
			np.Add(uint32(i))
		}
	}
	if np.IsEmpty() {
		return nil
	}
	return &Nulls{Np: np}
}

// Range copies nulls in [start, end) of m into nsp shifted to base.
func Range(nsp *Nulls, m *Nulls, start, end, base uint32) {
	if !Any(m) {
		return
	}
	if nsp.Np == nil {
		nsp.Np = roaring.New()
	}
	for row := start; row < end; row++ {
		if m.Np.Contains(row) {
			nsp.Np.Add(base + row - start)
		}
	}
}

// Clone deep-copies nsp.
func Clone(nsp *Nulls) *Nulls {
	if !Any(nsp) {
		return nil
	}
	return &Nulls{Np: nsp.Np.Clone()}
}

// Marshal serializes the bitmap, nil when there are no nulls.
func Marshal(nsp *Nulls) ([]byte, error) {
	if !Any(nsp) {
		return nil, nil
	}
	return nsp.Np.ToBytes()
}

// Unmarshal restores a bitmap serialized by Marshal.
func Unmarshal(data []byte) (*Nulls, error) {
	if len(data) == 0 {
		return nil, nil
	}
	np := roaring.New()
	if err := np.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &Nulls{Np: np}, nil
}
