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
	"fmt"

	"github.com/fagongzi/goetty/v2/buf"
	"github.com/fagongzi/goetty/v2/codec"
	"github.com/fagongzi/goetty/v2/codec/length"
)

// Packet is the physical unit on the wire: one tagged payload. Header,
// ACK and payload frames are all packets distinguished by the frame id
// inside the tag.
type Packet struct {
	Tag     uint64
	Payload []byte
}

// Codec frames packets with a length field.
type Codec interface {
	codec.Encoder
	codec.Decoder
}

type packetCodec struct {
	encoder codec.Encoder
	decoder codec.Decoder
}

// NewPacketCodec creates the wire codec: length field, 8-byte tag,
// payload bytes.
func NewPacketCodec() Codec {
	bc := &basePacketCodec{}
	_, decoder := length.New(bc, bc)
	return &packetCodec{encoder: bc, decoder: decoder}
}

func (c *packetCodec) Decode(in *buf.ByteBuf) (bool, interface{}, error) {
	return c.decoder.Decode(in)
}

func (c *packetCodec) Encode(data interface{}, out *buf.ByteBuf) error {
	return c.encoder.Encode(data, out)
}

type basePacketCodec struct{}

func (c *basePacketCodec) Decode(in *buf.ByteBuf) (bool, interface{}, error) {
	data := in.GetMarkedRemindData()
	if len(data) < 8 {
		return false, nil, fmt.Errorf("packet shorter than tag: %d bytes", len(data))
	}
	tag := uint64(data[0])<<56 | uint64(data[1])<<48 | uint64(data[2])<<40 | uint64(data[3])<<32 |
		uint64(data[4])<<24 | uint64(data[5])<<16 | uint64(data[6])<<8 | uint64(data[7])
	payload := make([]byte, len(data)-8)
	copy(payload, data[8:])
	in.MarkedBytesReaded()
	return true, &Packet{Tag: tag, Payload: payload}, nil
}

func (c *basePacketCodec) Encode(data interface{}, out *buf.ByteBuf) error {
	p, ok := data.(*Packet)
	if !ok {
		return fmt.Errorf("not a packet: %T", data)
	}
	size := 8 + len(p.Payload)
	// 4 bytes length field
	buf.MustWriteInt(out, size)
	var tag [8]byte
	for i := 0; i < 8; i++ {
		tag[i] = byte(p.Tag >> (56 - 8*i))
	}
	if _, err := out.Write(tag[:]); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		if _, err := out.Write(p.Payload); err != nil {
			return err
		}
	}
	return nil
}
