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

// Package colexec hosts the concrete kernels and the small shared
// machinery they need: the exchange context for distributed operators
// and the scalar predicate evaluator.
package colexec

import (
	"strconv"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/barpc"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/fagongzi/util/hack"
)

// Exchange metadata kinds used by the distributed kernels.
const (
	KindSamples       = "samples"
	KindPartitionPlan = "partition_plan"
	KindPartition     = "partition"
	KindPartitionDone = "partition_done"
	KindRowCounts     = "row_counts"
	KindShuffle       = "shuffle"
	KindShuffleDone   = "shuffle_done"
)

// KindFor scopes an exchange kind to one kernel: compile produces the
// same kernel ids on every node, so both sides derive the same label.
func KindFor(kind string, kernelID int32) string {
	return kind + "_" + strconv.Itoa(int(kernelID))
}

// Batch metadata keys carried alongside exchanged sample tables.
const (
	MetaTotalRows  = "total_rows"
	MetaTotalBytes = "total_bytes"
	MetaNodeID     = "node_id"
	MetaRowCount   = "row_count"
)

// ExchangeCtx is handed to distributed kernels at compile time. A nil
// Service means the query runs on a single node and every exchange path
// is skipped.
type ExchangeCtx struct {
	Service *barpc.Service
	Self    uint16
	Nodes   []process.Node
}

// Distributed reports whether peer exchange is in play.
func (e *ExchangeCtx) Distributed() bool {
	return e != nil && e.Service != nil && len(e.Nodes) > 1
}

// Peers returns every node but self.
func (e *ExchangeCtx) Peers() []process.Node {
	peers := make([]process.Node, 0, len(e.Nodes)-1)
	for _, n := range e.Nodes {
		if n.ID != e.Self {
			peers = append(peers, n)
		}
	}
	return peers
}

// Node returns the roster entry for id.
func (e *ExchangeCtx) Node(id uint16) process.Node {
	for _, n := range e.Nodes {
		if n.ID == id {
			return n
		}
	}
	return process.Node{ID: id}
}

// SendBatch ships one batch to dests under the given kind, stamping the
// query token and step labels.
func (e *ExchangeCtx) SendBatch(proc *process.Process, kind string, bat *batch.Batch,
	extraMeta map[string]string, dests []process.Node) error {
	meta := map[string]string{
		barpc.MetaContextToken: strconv.FormatUint(uint64(proc.Token), 10),
		barpc.MetaKind:         kind,
		barpc.MetaStep:         strconv.FormatUint(uint64(proc.Step()), 10),
		barpc.MetaSubstep:      strconv.FormatUint(uint64(proc.Substep()), 10),
		MetaNodeID:             strconv.FormatUint(uint64(e.Self), 10),
	}
	for k, v := range extraMeta {
		meta[k] = v
	}
	h, frames, err := barpc.BatchHeader(bat, meta)
	if err != nil {
		return err
	}
	return e.Service.Send(proc.Ctx, h, frames, dests)
}

// BroadcastDone tells every peer that this node finished producing for
// the given kind. Done markers are zero-column messages.
func (e *ExchangeCtx) BroadcastDone(proc *process.Process, kind string) error {
	empty := batch.NewWithSize(0)
	defer empty.Clean(proc.Mp)
	return e.SendBatch(proc, kind, empty, nil, e.Peers())
}

// AwaitPeersDone pulls one done marker per peer from the given cache.
func (e *ExchangeCtx) AwaitPeersDone(proc *process.Process, c *cache.Data) error {
	for i := 0; i < len(e.Nodes)-1; i++ {
		bat, err := c.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return baerr.NewInternal("done cache closed before all peers reported")
		}
		bat.Clean(proc.Mp)
	}
	return nil
}

// CancelCheck returns the cancellation error if the query was cancelled.
func CancelCheck(proc *process.Process) error {
	select {
	case <-proc.Ctx.Done():
		return baerr.NewQueryCancelled()
	default:
		return nil
	}
}

// CompareOp is a predicate comparison operator.
type CompareOp int

const (
	EQ CompareOp = iota
	NE
	LT
	LE
	GT
	GE
)

func (op CompareOp) String() string {
	switch op {
	case EQ:
		return "="
	case NE:
		return "<>"
	case LT:
		return "<"
	case LE:
		return "<="
	case GT:
		return ">"
	case GE:
		return ">="
	}
	return "?"
}

// Predicate compares one column against a literal. Conjunctions AND
// predicates together.
type Predicate struct {
	Op      CompareOp
	Col     int32
	Literal string
}

// Conjunction is the filter form the plan dialect supports.
type Conjunction []Predicate

// EvalRow reports whether row i of bat satisfies every predicate. Null
// comparisons are false.
func (c Conjunction) EvalRow(bat *batch.Batch, i int) (bool, error) {
	for _, p := range c {
		vec := bat.Vecs[p.Col]
		if vec.IsNull(i) {
			return false, nil
		}
		cmp, err := compareLiteral(vec, i, p.Literal)
		if err != nil {
			return false, err
		}
		if !opHolds(p.Op, cmp) {
			return false, nil
		}
	}
	return true, nil
}

func opHolds(op CompareOp, cmp int) bool {
	switch op {
	case EQ:
		return cmp == 0
	case NE:
		return cmp != 0
	case LT:
		return cmp < 0
	case LE:
		return cmp <= 0
	case GT:
		return cmp > 0
	case GE:
		return cmp >= 0
	}
	return false
}

func compareLiteral(vec *vector.Vector, i int, lit string) (int, error) {
	switch vec.GetType().Oid {
	case types.T_int32:
		want, err := strconv.ParseInt(lit, 10, 32)
		if err != nil {
			return 0, baerr.NewInternal("literal %q is not an int32", lit)
		}
		return compareOrdered(int64(vector.GetFixedAt[int32](vec, i)), want), nil
	case types.T_int64:
		want, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return 0, baerr.NewInternal("literal %q is not an int64", lit)
		}
		return compareOrdered(vector.GetFixedAt[int64](vec, i), want), nil
	case types.T_float64:
		want, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return 0, baerr.NewInternal("literal %q is not a float", lit)
		}
		return compareFloat(vector.GetFixedAt[float64](vec, i), want), nil
	case types.T_varchar:
		got := hack.SliceToString(vec.GetBytesAt(i))
		switch {
		case got < lit:
			return -1, nil
		case got > lit:
			return 1, nil
		}
		return 0, nil
	}
	return 0, baerr.NewNYI("predicate on type %s", vec.GetType())
}

func compareOrdered(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// HashRow hashes the key columns of row i, for hash distribution.
func HashRow(bat *batch.Batch, keys []int32, i int) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	mix := func(b []byte) {
		for _, c := range b {
			h ^= uint64(c)
			h *= prime64
		}
	}
	for _, k := range keys {
		vec := bat.Vecs[k]
		if vec.IsNull(i) {
			mix([]byte{0xff})
			continue
		}
		switch vec.GetType().Oid {
		case types.T_bool:
			if vector.GetFixedAt[bool](vec, i) {
				mix([]byte{1})
			} else {
				mix([]byte{0})
			}
		case types.T_int32:
			v := vector.GetFixedAt[int32](vec, i)
			mix([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
		case types.T_int64:
			v := vector.GetFixedAt[int64](vec, i)
			var b [8]byte
			for x := 0; x < 8; x++ {
				b[x] = byte(v >> (8 * x))
			}
			mix(b[:])
		case types.T_float64:
			v := vector.GetFixedAt[float64](vec, i)
			mix([]byte(strconv.FormatFloat(v, 'b', -1, 64)))
		case types.T_varchar:
			mix(vec.GetBytesAt(i))
		}
	}
	return h
}
