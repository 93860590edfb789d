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

// Package barpc is the inter-node exchange transport: multi-frame
// messages demultiplexed by a 64-bit tag, with a per-message
// begin-transmission handshake, receiver-side frame counting and
// in-order assembly on the receiver. Only the header is acknowledged;
// payload frames are not acknowledged individually.
package barpc

import (
	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/types"
)

// Frame id 0 is the begin-transmission header; 0xFFFF acknowledges it.
// Payload frame k travels as frame id k+1.
const (
	BeginFrameID uint16 = 0
	AckFrameID   uint16 = 0xFFFF

	// MaxFrames bounds payload frames per message; ids 0 and 0xFFFF are
	// reserved.
	MaxFrames = 0xFFFF - 1
)

// Status is the ACK status code.
type Status uint32

const (
	StatusInvalid Status = iota
	StatusOK
	StatusRefused
)

// Tag demultiplexes packets: {message_id:32 | origin_node_id:16 | frame_id:16}.
type Tag struct {
	MessageID    uint32
	OriginNodeID uint16
	FrameID      uint16
}

// Pack encodes the tag into its 64-bit wire form.
func (t Tag) Pack() uint64 {
	return uint64(t.MessageID)<<32 | uint64(t.OriginNodeID)<<16 | uint64(t.FrameID)
}

// UnpackTag decodes a 64-bit wire tag.
func UnpackTag(v uint64) Tag {
	return Tag{
		MessageID:    uint32(v >> 32),
		OriginNodeID: uint16(v >> 16),
		FrameID:      uint16(v),
	}
}

// WithFrame returns the tag pointing at another frame of the same message.
func (t Tag) WithFrame(frame uint16) Tag {
	t.FrameID = frame
	return t
}

// ColumnDescriptor describes one column of the batch carried by a
// message, advertised in the header so the receiver can allocate before
// any frame arrives.
type ColumnDescriptor struct {
	TypeID    uint16
	Name      string
	NullCount uint64
	Length    uint64
	Meta      []byte
}

// Header is the begin-transmission payload: metadata, column
// descriptors and the sizes of the payload frames to come.
type Header struct {
	Metadata   map[string]string
	Columns    []ColumnDescriptor
	FrameSizes []uint64
}

// Message is the logical unit the transport moves between nodes.
type Message struct {
	Tag      Tag
	Metadata map[string]string
	Columns  []ColumnDescriptor
	Frames   [][]byte
}

// Well-known metadata keys.
const (
	MetaContextToken = "context_token"
	MetaKind         = "kind"
	MetaTargetPort   = "target_port"
	MetaPartitionIdx = "partition_idx"
	MetaStep         = "step"
	MetaSubstep      = "substep"
)

// EncodeHeader serializes the header, little-endian:
// u32 metadata entries, per entry u32 key len + key + u32 val len + val;
// u32 column count, per column u16 type-id, u32 name len + name,
// u64 null count, u64 length, u32 meta len + meta;
// u32 frame count, u64 per-frame size.
func EncodeHeader(h *Header) []byte {
	size := 4
	for k, v := range h.Metadata {
		size += 8 + len(k) + len(v)
	}
	size += 4
	for i := range h.Columns {
		size += 2 + 4 + len(h.Columns[i].Name) + 8 + 8 + 4 + len(h.Columns[i].Meta)
	}
	size += 4 + 8*len(h.FrameSizes)

	buf := make([]byte, 0, size)
	buf = types.EncodeUint32(buf, uint32(len(h.Metadata)))
	for k, v := range h.Metadata {
		buf = types.EncodeUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = types.EncodeUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	buf = types.EncodeUint32(buf, uint32(len(h.Columns)))
	for i := range h.Columns {
		c := &h.Columns[i]
		buf = types.EncodeUint16(buf, c.TypeID)
		buf = types.EncodeUint32(buf, uint32(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = types.EncodeUint64(buf, c.NullCount)
		buf = types.EncodeUint64(buf, c.Length)
		buf = types.EncodeUint32(buf, uint32(len(c.Meta)))
		buf = append(buf, c.Meta...)
	}
	buf = types.EncodeUint32(buf, uint32(len(h.FrameSizes)))
	for _, sz := range h.FrameSizes {
		buf = types.EncodeUint64(buf, sz)
	}
	return buf
}

// DecodeHeader parses a header serialized by EncodeHeader.
func DecodeHeader(origin uint16, data []byte) (*Header, error) {
	h := &Header{Metadata: make(map[string]string)}
	fail := func(what string) (*Header, error) {
		return nil, baerr.NewTransportCorrupt(origin, baerr.StageDecode, what)
	}

	if len(data) < 4 {
		return fail("short header")
	}
	var n uint32
	n, data = types.DecodeUint32(data)
	for i := 0; i < int(n); i++ {
		var ln uint32
		if len(data) < 4 {
			return fail("short metadata key")
		}
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return fail("metadata key overruns buffer")
		}
		key := string(data[:ln])
		data = data[ln:]
		if len(data) < 4 {
			return fail("short metadata value")
		}
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return fail("metadata value overruns buffer")
		}
		h.Metadata[key] = string(data[:ln])
		data = data[ln:]
	}

	if len(data) < 4 {
		return fail("short column count")
	}
	n, data = types.DecodeUint32(data)
	h.Columns = make([]ColumnDescriptor, n)
	for i := 0; i < int(n); i++ {
		c := &h.Columns[i]
		if len(data) < 6 {
			return fail("short column descriptor")
		}
		c.TypeID, data = types.DecodeUint16(data)
		var ln uint32
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return fail("column name overruns buffer")
		}
		c.Name = string(data[:ln])
		data = data[ln:]
		if len(data) < 20 {
			return fail("short column tail")
		}
		c.NullCount, data = types.DecodeUint64(data)
		c.Length, data = types.DecodeUint64(data)
		ln, data = types.DecodeUint32(data)
		if int(ln) > len(data) {
			return fail("column meta overruns buffer")
		}
		c.Meta = append([]byte(nil), data[:ln]...)
		data = data[ln:]
	}

	if len(data) < 4 {
		return fail("short frame count")
	}
	n, data = types.DecodeUint32(data)
	if int(n) > MaxFrames {
		return fail("frame count exceeds maximum")
	}
	if len(data) < 8*int(n) {
		return fail("frame sizes overrun buffer")
	}
	h.FrameSizes = make([]uint64, n)
	for i := 0; i < int(n); i++ {
		h.FrameSizes[i], data = types.DecodeUint64(data)
	}
	return h, nil
}
