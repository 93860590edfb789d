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

// Package baerr defines the coded errors used across the engine. Codes are
// grouped by concern; the 0-99 range is reserved for expected, non-fatal
// conditions that callers convert into control flow rather than failures.
package baerr

import (
	"errors"
	"fmt"
)

const (
	Ok uint16 = 0

	// 1 - 99: expected conditions, never fatal.
	OkCacheClosed    uint16 = 1
	OkQueryCancelled uint16 = 2
	OkExpectedEOF    uint16 = 3

	// Group 1: internal.
	ErrInternal uint16 = 20101
	ErrNYI      uint16 = 20102

	// Group 2: plan construction.
	ErrPlanParse     uint16 = 20201
	ErrUnknownOp     uint16 = 20202
	ErrGraphCycle    uint16 = 20203
	ErrDuplicateEdge uint16 = 20204

	// Group 3: kernel runtime.
	ErrKernel          uint16 = 20301
	ErrAlreadyReleased uint16 = 20302

	// Group 4: transport.
	ErrTransportTimeout  uint16 = 20401
	ErrTransportRefused  uint16 = 20402
	ErrTransportCorrupt  uint16 = 20403
	ErrTransportPeerGone uint16 = 20404

	// Group 5: resources.
	ErrOOM           uint16 = 20501
	ErrDiskExhausted uint16 = 20502
	ErrFileHandle    uint16 = 20503

	// Group 6: configuration.
	ErrBadConfig uint16 = 20601
)

// Error is the engine error type. Code drives all programmatic handling;
// the message is for humans and logs.
type Error struct {
	code uint16
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Code() uint16 { return e.code }

// Expected reports whether the error is an ok-class condition that callers
// should treat as control flow, not a failure.
func (e *Error) Expected() bool { return e.code < 100 }

func newError(code uint16, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// IsCode reports whether err is a basalt error with the given code.
func IsCode(err error, code uint16) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.code == code
	}
	return false
}

// IsExpected reports whether err is an ok-class basalt error.
func IsExpected(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Expected()
	}
	return false
}

func NewCacheClosed() *Error {
	return newError(OkCacheClosed, "cache already closed")
}

func NewQueryCancelled() *Error {
	return newError(OkQueryCancelled, "query cancelled")
}

func NewInternal(format string, args ...interface{}) *Error {
	return newError(ErrInternal, fmt.Sprintf("internal error: "+format, args...))
}

func NewNYI(format string, args ...interface{}) *Error {
	return newError(ErrNYI, fmt.Sprintf("not yet implemented: "+format, args...))
}

func NewPlanParse(line int, reason string) *Error {
	return newError(ErrPlanParse, fmt.Sprintf("plan parse error at line %d: %s", line, reason))
}

func NewUnknownOp(op string) *Error {
	return newError(ErrUnknownOp, fmt.Sprintf("unknown relational operator: %s", op))
}

func NewGraphCycle() *Error {
	return newError(ErrGraphCycle, "execution graph contains a cycle")
}

func NewDuplicateEdge(kernelID int32, port string) *Error {
	return newError(ErrDuplicateEdge,
		fmt.Sprintf("kernel %d already has a cache bound to output port %q", kernelID, port))
}

func NewKernel(kernelID int32, reason string) *Error {
	return newError(ErrKernel, fmt.Sprintf("kernel %d failed: %s", kernelID, reason))
}

func NewKernelf(kernelID int32, format string, args ...interface{}) *Error {
	return NewKernel(kernelID, fmt.Sprintf(format, args...))
}

func NewAlreadyReleased() *Error {
	return newError(ErrAlreadyReleased, "output already released")
}

// Transport stages, used in transport error messages.
const (
	StageBegin  = "begin-transmission"
	StageAck    = "begin-transmission-ack"
	StageFrame  = "frame"
	StageDecode = "decode"
)

func NewTransportTimeout(nodeID uint16, stage string) *Error {
	return newError(ErrTransportTimeout,
		fmt.Sprintf("transport timeout at stage %s, node %d", stage, nodeID))
}

func NewTransportRefused(nodeID uint16, stage string) *Error {
	return newError(ErrTransportRefused,
		fmt.Sprintf("transport refused at stage %s, node %d", stage, nodeID))
}

func NewTransportCorrupt(nodeID uint16, stage string, reason string) *Error {
	return newError(ErrTransportCorrupt,
		fmt.Sprintf("corrupt transport payload at stage %s, node %d: %s", stage, nodeID, reason))
}

func NewTransportPeerGone(nodeID uint16, stage string) *Error {
	return newError(ErrTransportPeerGone,
		fmt.Sprintf("peer %d gone at stage %s", nodeID, stage))
}

func NewOOM(detail string) *Error {
	return newError(ErrOOM, fmt.Sprintf("out of memory: %s", detail))
}

func NewDiskExhausted(detail string) *Error {
	return newError(ErrDiskExhausted, fmt.Sprintf("out of disk: %s", detail))
}

func NewFileHandle(detail string) *Error {
	return newError(ErrFileHandle, fmt.Sprintf("out of file handles: %s", detail))
}

func NewBadConfig(key, value, reason string) *Error {
	return newError(ErrBadConfig, fmt.Sprintf("bad config %s=%q: %s", key, value, reason))
}
