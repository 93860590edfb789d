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
	"sync"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/stopper"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/logutil"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/fagongzi/goetty/v2"
	"go.uber.org/zap"
)

// DeliverFunc receives every fully assembled inbound message. It may
// block; blocking throttles only the session the message arrived on.
type DeliverFunc func(msg *Message) error

// AckGateFunc runs before the begin-transmission ACK is posted. Returning
// an error refuses the message; delaying inside the gate delays the ACK,
// which is the receiver's backpressure lever.
type AckGateFunc func(h *Header) error

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMessageTimeout overrides the per-message timeout.
func WithMessageTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

// WithAckGate installs the receiver backpressure gate.
func WithAckGate(gate AckGateFunc) ServiceOption {
	return func(s *Service) { s.ackGate = gate }
}

// Service is one node's exchange endpoint: a listening side assembling
// inbound messages and outbound backends to every peer.
type Service struct {
	self    process.Node
	logger  *zap.Logger
	codec   Codec
	app     goetty.NetApplication
	stopper *stopper.Stopper
	timeout time.Duration
	deliver DeliverFunc
	ackGate AckGateFunc

	messageID uint32

	mu struct {
		sync.Mutex
		backends   map[uint16]*backend
		sending    map[uint32]*sendState
		assembling map[uint64]*assembly
	}
}

// NewService creates the exchange endpoint for self. deliver must be set
// before Start via RegisterDeliver.
func NewService(self process.Node, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		self:    self,
		codec:   NewPacketCodec(),
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logutil.Adjust(s.logger).With(
		zap.Uint16("node_id", self.ID),
		zap.String("listen", self.Address))
	s.stopper = stopper.NewStopper("exchange-service", stopper.WithLogger(s.logger))
	s.mu.backends = make(map[uint16]*backend)
	s.mu.sending = make(map[uint32]*sendState)
	s.mu.assembling = make(map[uint64]*assembly)

	app, err := goetty.NewApplication(
		self.Address,
		s.onPacket,
		goetty.WithAppLogger(s.logger),
		goetty.WithAppSessionOptions(
			goetty.WithCodec(s.codec, s.codec),
			goetty.WithLogger(s.logger)))
	if err != nil {
		return nil, baerr.NewTransportRefused(self.ID, baerr.StageBegin)
	}
	s.app = app
	return s, nil
}

// RegisterDeliver installs the inbound message handler.
func (s *Service) RegisterDeliver(deliver DeliverFunc) {
	s.deliver = deliver
}

// Start begins accepting peer connections.
func (s *Service) Start() error {
	return s.app.Start()
}

// Close tears down backends and the listener. Backends close first so
// their read loops unblock before the stopper joins them.
func (s *Service) Close() error {
	s.mu.Lock()
	backends := s.mu.backends
	s.mu.backends = make(map[uint16]*backend)
	s.mu.Unlock()
	for _, b := range backends {
		b.close()
	}
	s.stopper.Stop()
	return s.app.Stop()
}

// getBackend returns (dialing if needed) the outbound backend for node.
func (s *Service) getBackend(node process.Node) (*backend, error) {
	s.mu.Lock()
	if b, ok := s.mu.backends[node.ID]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := newBackend(s, node)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.mu.backends[node.ID]; ok {
		b.close()
		return prev, nil
	}
	s.mu.backends[node.ID] = b
	return b, nil
}

// onPacket handles one inbound packet on a server session.
func (s *Service) onPacket(rs goetty.IOSession, value interface{}, _ uint64) error {
	p, ok := value.(*Packet)
	if !ok {
		return baerr.NewTransportCorrupt(s.self.ID, baerr.StageDecode, "unexpected wire value")
	}
	tag := UnpackTag(p.Tag)
	switch tag.FrameID {
	case BeginFrameID:
		return s.onBegin(rs, tag, p.Payload)
	case AckFrameID:
		// ACKs for our sends arrive on backend sessions; one surfacing
		// here means tag corruption.
		return baerr.NewTransportCorrupt(tag.OriginNodeID, baerr.StageAck, "ack on server session")
	default:
		return s.onFrame(tag, p.Payload)
	}
}

func assemblyKey(tag Tag) uint64 {
	return uint64(tag.MessageID)<<16 | uint64(tag.OriginNodeID)
}

func (s *Service) onBegin(rs goetty.IOSession, tag Tag, payload []byte) error {
	h, err := DecodeHeader(tag.OriginNodeID, payload)
	if err != nil {
		return err
	}

	status := StatusOK
	if s.ackGate != nil {
		if gerr := s.ackGate(h); gerr != nil {
			status = StatusRefused
		}
	}

	if status == StatusOK {
		a := &assembly{
			tag:    tag,
			header: h,
			frames: make([][]byte, len(h.FrameSizes)),
		}
		s.mu.Lock()
		s.mu.assembling[assemblyKey(tag)] = a
		s.mu.Unlock()
	}

	ackTag := tag.WithFrame(AckFrameID)
	ack := &Packet{Tag: ackTag.Pack(), Payload: types.EncodeUint32(nil, uint32(status))}
	if err := rs.Write(ack, goetty.WriteOptions{Flush: true}); err != nil {
		return baerr.NewTransportPeerGone(tag.OriginNodeID, baerr.StageAck)
	}

	// messages with zero payload frames complete at the handshake
	if status == StatusOK && len(h.FrameSizes) == 0 {
		return s.completeAssembly(tag)
	}
	return nil
}

func (s *Service) onFrame(tag Tag, payload []byte) error {
	key := assemblyKey(tag)
	s.mu.Lock()
	a, ok := s.mu.assembling[key]
	s.mu.Unlock()
	if !ok {
		return baerr.NewTransportCorrupt(tag.OriginNodeID, baerr.StageFrame,
			"frame for unknown message")
	}
	idx := int(tag.FrameID) - 1
	if idx < 0 || idx >= len(a.frames) {
		return baerr.NewTransportCorrupt(tag.OriginNodeID, baerr.StageFrame, "frame id out of range")
	}
	if uint64(len(payload)) != a.header.FrameSizes[idx] {
		return baerr.NewTransportCorrupt(tag.OriginNodeID, baerr.StageFrame,
			"frame size differs from advertised size")
	}
	a.frames[idx] = payload
	a.received++
	if a.received == len(a.frames) {
		return s.completeAssembly(tag)
	}
	return nil
}

// completeAssembly hands the reconstructed message to the deliver hook
// with frames in frame-id order.
func (s *Service) completeAssembly(tag Tag) error {
	key := assemblyKey(tag)
	s.mu.Lock()
	a, ok := s.mu.assembling[key]
	delete(s.mu.assembling, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	msg := &Message{
		Tag:      tag.WithFrame(BeginFrameID),
		Metadata: a.header.Metadata,
		Columns:  a.header.Columns,
		Frames:   a.frames,
	}
	if s.deliver == nil {
		s.logger.Warn("inbound message dropped, no deliver hook",
			zap.Uint32("message_id", tag.MessageID))
		return nil
	}
	// a deliver failure is the target query's problem, not the session's;
	// the hook records it on the owning graph
	if err := s.deliver(msg); err != nil {
		s.logger.Error("inbound message delivery failed",
			zap.Uint32("message_id", tag.MessageID),
			zap.Error(err))
	}
	return nil
}

// handleAck routes an ACK read by a backend to its pending send.
func (s *Service) handleAck(tag Tag, from uint16, payload []byte) {
	if len(payload) < 4 {
		return
	}
	status, _ := types.DecodeUint32(payload)
	s.mu.Lock()
	st := s.mu.sending[tag.MessageID]
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.ack(from, Status(status))
}

// assembly is the receiver-side state of one in-flight message.
type assembly struct {
	tag      Tag
	header   *Header
	frames   [][]byte
	received int
}
