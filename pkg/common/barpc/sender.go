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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/fagongzi/goetty/v2"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// backend is one outbound connection to a peer. Writes are serialized;
// the read loop only ever sees begin-transmission ACKs.
type backend struct {
	service *Service
	node    process.Node
	conn    goetty.IOSession
	logger  *zap.Logger

	writeMu sync.Mutex
	closed  int32
}

func newBackend(s *Service, node process.Node) (*backend, error) {
	b := &backend{
		service: s,
		node:    node,
		logger:  s.logger.With(zap.Uint16("peer", node.ID), zap.String("remote", node.Address)),
	}
	b.conn = goetty.NewIOSession(
		goetty.WithCodec(s.codec, s.codec),
		goetty.WithLogger(b.logger))
	ok, err := b.conn.Connect(node.Address, connectTimeout)
	if err != nil || !ok {
		return nil, baerr.NewTransportRefused(node.ID, baerr.StageBegin)
	}
	if err := s.stopper.RunTask(b.readLoop); err != nil {
		_ = b.conn.Close()
		return nil, baerr.NewTransportRefused(node.ID, baerr.StageBegin)
	}
	return b, nil
}

func (b *backend) write(p *Packet) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if atomic.LoadInt32(&b.closed) != 0 {
		return baerr.NewTransportPeerGone(b.node.ID, baerr.StageFrame)
	}
	if err := b.conn.Write(p, goetty.WriteOptions{Flush: true}); err != nil {
		b.logger.Error("write to peer failed", zap.Error(err))
		return baerr.NewTransportPeerGone(b.node.ID, baerr.StageFrame)
	}
	return nil
}

func (b *backend) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		value, err := b.conn.Read(goetty.ReadOptions{})
		if err != nil {
			if atomic.LoadInt32(&b.closed) == 0 {
				b.logger.Error("read from peer failed", zap.Error(err))
			}
			return
		}
		p, ok := value.(*Packet)
		if !ok {
			continue
		}
		tag := UnpackTag(p.Tag)
		if tag.FrameID == AckFrameID {
			b.service.handleAck(tag, b.node.ID, p.Payload)
		}
	}
}

func (b *backend) close() {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return
	}
	_ = b.conn.Close()
}

// sendState tracks one in-flight outbound message.
type sendState struct {
	ackC chan ackResult
}

type ackResult struct {
	from   uint16
	status Status
}

func (st *sendState) ack(from uint16, status Status) {
	select {
	case st.ackC <- ackResult{from: from, status: status}:
	default:
	}
}

// Send transmits one message to every destination: header first, then,
// once every destination acknowledged, the payload frames in order. It
// blocks until all frames are flushed or the per-message timeout expires.
func (s *Service) Send(ctx context.Context, h *Header, frames [][]byte, dests []process.Node) error {
	if len(dests) == 0 {
		return nil
	}
	if len(frames) > MaxFrames {
		return baerr.NewTransportCorrupt(s.self.ID, baerr.StageBegin, "too many frames")
	}
	if h.FrameSizes == nil {
		h.FrameSizes = make([]uint64, len(frames))
		for i, f := range frames {
			h.FrameSizes[i] = uint64(len(f))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := atomic.AddUint32(&s.messageID, 1)
	tag := Tag{MessageID: id, OriginNodeID: s.self.ID, FrameID: BeginFrameID}
	st := &sendState{ackC: make(chan ackResult, len(dests))}
	s.mu.Lock()
	s.mu.sending[id] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.mu.sending, id)
		s.mu.Unlock()
	}()

	headerBytes := EncodeHeader(h)
	backends := make([]*backend, len(dests))
	for i, dest := range dests {
		b, err := s.getBackend(dest)
		if err != nil {
			return err
		}
		backends[i] = b
		if err := b.write(&Packet{Tag: tag.Pack(), Payload: headerBytes}); err != nil {
			return baerr.NewTransportPeerGone(dest.ID, baerr.StageBegin)
		}
	}

	// the sender cannot progress past the handshake without every ACK
	for i := 0; i < len(dests); i++ {
		select {
		case r := <-st.ackC:
			if r.status != StatusOK {
				return baerr.NewTransportRefused(r.from, baerr.StageAck)
			}
		case <-cctx.Done():
			if ctx.Err() != nil {
				return baerr.NewQueryCancelled()
			}
			return baerr.NewTransportTimeout(dests[i].ID, baerr.StageAck)
		}
	}

	for k, frame := range frames {
		ftag := tag.WithFrame(uint16(k + 1))
		p := &Packet{Tag: ftag.Pack(), Payload: frame}
		for i, b := range backends {
			select {
			case <-cctx.Done():
				if ctx.Err() != nil {
					return baerr.NewQueryCancelled()
				}
				return baerr.NewTransportTimeout(dests[i].ID, baerr.StageFrame)
			default:
			}
			if err := b.write(p); err != nil {
				return err
			}
		}
	}
	return nil
}
