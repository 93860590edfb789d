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

package batch

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
)

// Batch is an owned columnar block: named vectors of identical length.
// Cnt is a reference count; Clean frees storage when it drops to zero.
type Batch struct {
	Cnt   int64
	Attrs []string
	Vecs  []*vector.Vector

	// Meta carries side-channel labels, e.g. the message metadata of a
	// batch that arrived over the exchange. Not serialized.
	Meta map[string]string

	rowCount int
}

func New(attrs []string) *Batch {
	return &Batch{
		Cnt:   1,
		Attrs: append([]string(nil), attrs...),
		Vecs:  make([]*vector.Vector, len(attrs)),
	}
}

func NewWithSize(n int) *Batch {
	return &Batch{
		Cnt:  1,
		Vecs: make([]*vector.Vector, n),
	}
}

func (bat *Batch) RowCount() int { return bat.rowCount }

func (bat *Batch) SetRowCount(n int) { bat.rowCount = n }

func (bat *Batch) AddRowCount(n int) { bat.rowCount += n }

func (bat *Batch) VectorCount() int { return len(bat.Vecs) }

func (bat *Batch) SetVector(pos int32, vec *vector.Vector) { bat.Vecs[pos] = vec }

func (bat *Batch) GetVector(pos int32) *vector.Vector { return bat.Vecs[pos] }

func (bat *Batch) SetAttributes(attrs []string) { bat.Attrs = attrs }

// Size returns the byte estimate of the batch payload.
func (bat *Batch) Size() int {
	var size int
	for _, vec := range bat.Vecs {
		if vec != nil {
			size += vec.Size()
		}
	}
	return size
}

func (bat *Batch) IsEmpty() bool { return bat.rowCount == 0 }

// SameSchema reports whether b carries the same attributes and types.
func (bat *Batch) SameSchema(b *Batch) bool {
	if len(bat.Vecs) != len(b.Vecs) {
		return false
	}
	for i := range bat.Vecs {
		if bat.Vecs[i].GetType().Oid != b.Vecs[i].GetType().Oid {
			return false
		}
		if len(bat.Attrs) == len(bat.Vecs) && len(b.Attrs) == len(b.Vecs) &&
			bat.Attrs[i] != b.Attrs[i] {
			return false
		}
	}
	return true
}

// Append appends b's rows onto bat. bat == nil duplicates b.
func (bat *Batch) Append(mp *mpool.MPool, b *Batch) (*Batch, error) {
	if bat == nil {
		return b.Dup(mp)
	}
	if len(bat.Vecs) != len(b.Vecs) {
		return nil, baerr.NewInternal("append of %d-column batch onto %d columns",
			len(b.Vecs), len(bat.Vecs))
	}
	for i := range bat.Vecs {
		if err := bat.Vecs[i].UnionBatch(b.Vecs[i], 0, b.rowCount, mp); err != nil {
			return bat, err
		}
		bat.Vecs[i].SetSorted(false)
	}
	bat.rowCount += b.rowCount
	return bat, nil
}

// Shrink keeps only the selected rows in sel order.
func (bat *Batch) Shrink(sels []int64, mp *mpool.MPool) error {
	for _, vec := range bat.Vecs {
		if err := vec.Shrink(sels, mp); err != nil {
			return err
		}
	}
	bat.rowCount = len(sels)
	return nil
}

// Window returns a non-owning view of rows [start, end).
func (bat *Batch) Window(start, end int) *Batch {
	w := NewWithSize(len(bat.Vecs))
	w.Attrs = bat.Attrs
	for i, vec := range bat.Vecs {
		w.Vecs[i] = vec.Window(start, end)
	}
	w.rowCount = end - start
	return w
}

// Dup deep-copies the batch.
func (bat *Batch) Dup(mp *mpool.MPool) (*Batch, error) {
	rbat := NewWithSize(len(bat.Vecs))
	rbat.Attrs = append([]string(nil), bat.Attrs...)
	for i, vec := range bat.Vecs {
		nv, err := vec.Dup(mp)
		if err != nil {
			rbat.Clean(mp)
			return nil, err
		}
		rbat.Vecs[i] = nv
	}
	rbat.rowCount = bat.rowCount
	return rbat, nil
}

func (bat *Batch) AddCnt(cnt int) {
	atomic.AddInt64(&bat.Cnt, int64(cnt))
}

// Clean drops one reference and frees storage at zero.
func (bat *Batch) Clean(mp *mpool.MPool) {
	if bat == nil {
		return
	}
	if atomic.AddInt64(&bat.Cnt, -1) > 0 {
		return
	}
	for _, vec := range bat.Vecs {
		if vec != nil {
			vec.Free(mp)
		}
	}
	bat.Attrs = nil
	bat.Vecs = nil
	bat.rowCount = 0
}

func (bat *Batch) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "rows=%d\n", bat.rowCount)
	for i, vec := range bat.Vecs {
		name := ""
		if i < len(bat.Attrs) {
			name = bat.Attrs[i]
		}
		fmt.Fprintf(&buf, "%d %s: %s\n", i, name, vec.String())
	}
	return buf.String()
}

// MarshalBinary serializes the batch: u32 column count, per column
// u32 name length + name bytes + u32 vector length + vector bytes.
func (bat *Batch) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, bat.Size()+64)
	buf = types.EncodeUint32(buf, uint32(len(bat.Vecs)))
	for i, vec := range bat.Vecs {
		name := ""
		if i < len(bat.Attrs) {
			name = bat.Attrs[i]
		}
		buf = types.EncodeUint32(buf, uint32(len(name)))
		buf = append(buf, name...)
		vb, err := vec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = types.EncodeUint32(buf, uint32(len(vb)))
		buf = append(buf, vb...)
	}
	return buf, nil
}

// UnmarshalBinary restores a batch serialized by MarshalBinary.
func (bat *Batch) UnmarshalBinary(data []byte, mp *mpool.MPool) error {
	if len(data) < 4 {
		return baerr.NewInternal("batch payload truncated")
	}
	var n uint32
	n, data = types.DecodeUint32(data)
	bat.Cnt = 1
	bat.Attrs = make([]string, n)
	bat.Vecs = make([]*vector.Vector, n)
	for i := 0; i < int(n); i++ {
		var ln uint32
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return baerr.NewInternal("batch name section truncated")
		}
		bat.Attrs[i] = string(data[:ln])
		data = data[ln:]
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return baerr.NewInternal("batch vector section truncated")
		}
		vec := vector.NewVec(types.Type{})
		if err := vec.UnmarshalBinary(data[:ln], mp); err != nil {
			return err
		}
		bat.Vecs[i] = vec
		data = data[ln:]
	}
	if len(bat.Vecs) > 0 {
		bat.rowCount = bat.Vecs[0].Length()
	}
	return nil
}
