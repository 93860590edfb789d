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

package barpc

import (
	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/nulls"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
)

// BatchHeader builds the message header for bat: one column descriptor
// and one payload frame per vector.
func BatchHeader(bat *batch.Batch, metadata map[string]string) (*Header, [][]byte, error) {
	h := &Header{
		Metadata: metadata,
		Columns:  make([]ColumnDescriptor, len(bat.Vecs)),
	}
	frames := make([][]byte, len(bat.Vecs))
	for i, vec := range bat.Vecs {
		name := ""
		if i < len(bat.Attrs) {
			name = bat.Attrs[i]
		}
		h.Columns[i] = ColumnDescriptor{
			TypeID:    uint16(vec.GetType().Oid),
			Name:      name,
			NullCount: uint64(nulls.Size(vec.GetNulls())),
			Length:    uint64(vec.Length()),
		}
		frame, err := vec.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		frames[i] = frame
	}
	h.FrameSizes = make([]uint64, len(frames))
	for i, f := range frames {
		h.FrameSizes[i] = uint64(len(f))
	}
	return h, frames, nil
}

// BatchFromMessage reassembles the batch a message carries.
func BatchFromMessage(msg *Message, mp *mpool.MPool) (*batch.Batch, error) {
	if len(msg.Columns) != len(msg.Frames) {
		return nil, baerr.NewTransportCorrupt(msg.Tag.OriginNodeID, baerr.StageDecode,
			"column count differs from frame count")
	}
	bat := batch.NewWithSize(len(msg.Columns))
	bat.Attrs = make([]string, len(msg.Columns))
	for i := range msg.Columns {
		bat.Attrs[i] = msg.Columns[i].Name
		vec := vector.NewVec(types.Type{})
		if err := vec.UnmarshalBinary(msg.Frames[i], mp); err != nil {
			bat.Clean(mp)
			return nil, err
		}
		if uint64(vec.Length()) != msg.Columns[i].Length {
			bat.Clean(mp)
			return nil, baerr.NewTransportCorrupt(msg.Tag.OriginNodeID, baerr.StageDecode,
				"column length differs from descriptor")
		}
		bat.Vecs[i] = vec
	}
	if len(bat.Vecs) > 0 {
		bat.SetRowCount(bat.Vecs[0].Length())
	}
	return bat, nil
}
