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

// Package group is the hash aggregation kernel. Multi-node plans put a
// hash distribution in front of it, so each node owns its groups.
package group

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/axiomhq/hyperloglog"
	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// AggFunc identifies an aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
	AggApproxCountDistinct
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggAvg:
		return "AVG"
	case AggApproxCountDistinct:
		return "APPROX_COUNT_DISTINCT"
	}
	return "?"
}

// ParseAggFunc resolves the plan-text name of an aggregate.
func ParseAggFunc(name string) (AggFunc, error) {
	switch strings.ToUpper(name) {
	case "COUNT":
		return AggCount, nil
	case "SUM":
		return AggSum, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	case "AVG":
		return AggAvg, nil
	case "APPROX_COUNT_DISTINCT":
		return AggApproxCountDistinct, nil
	}
	return 0, baerr.NewUnknownOp("aggregate " + name)
}

// Agg is one aggregate: a function over one column. COUNT() leaves Col
// negative.
type Agg struct {
	Func AggFunc
	Col  int32
}

type aggState struct {
	count  int64
	sum    float64
	min    float64
	max    float64
	seen   bool
	sketch *hyperloglog.Sketch
}

type groupState struct {
	keyBat *batch.Batch // one row: the group key
	aggs   []aggState
}

type Argument struct {
	base kernel.Base

	Keys []int32
	Aggs []Agg
}

func New(id int32, keys []int32, aggs []Agg) *Argument {
	return &Argument{base: kernel.NewBase(id, "Aggregate"), Keys: keys, Aggs: aggs}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "Aggregate(group=%v", arg.Keys)
	for _, a := range arg.Aggs {
		if a.Col >= 0 {
			fmt.Fprintf(buf, ", %s($%d)", a.Func, a.Col)
		} else {
			fmt.Fprintf(buf, ", %s()", a.Func)
		}
	}
	buf.WriteString(")")
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

func (arg *Argument) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()

	groups := make(map[string]*groupState)
	order := make([]string, 0, 64)

	for {
		bat, err := in.Pull()
		if err != nil {
			cleanGroups(proc, groups)
			return err
		}
		if bat == nil {
			break
		}
		if err := arg.consume(proc, bat, groups, &order); err != nil {
			bat.Clean(proc.Mp)
			cleanGroups(proc, groups)
			return err
		}
		bat.Clean(proc.Mp)
	}

	result, err := arg.finalize(proc, groups, order)
	cleanGroups(proc, groups)
	if err != nil {
		return err
	}
	if result.IsEmpty() {
		result.Clean(proc.Mp)
		return nil
	}
	arg.base.CountBatch(result)
	if err := out.Put(result); err != nil {
		result.Clean(proc.Mp)
		return err
	}
	return nil
}

func (arg *Argument) consume(proc *process.Process, bat *batch.Batch,
	groups map[string]*groupState, order *[]string) error {
	var keyBuf bytes.Buffer
	for r := 0; r < bat.RowCount(); r++ {
		keyBuf.Reset()
		for _, k := range arg.Keys {
			appendKeyBytes(&keyBuf, bat.Vecs[k], r)
		}
		key := keyBuf.String()

		st, ok := groups[key]
		if !ok {
			keyBat, err := keyRow(proc, bat, arg.Keys, r)
			if err != nil {
				return err
			}
			st = &groupState{keyBat: keyBat, aggs: make([]aggState, len(arg.Aggs))}
			for i, a := range arg.Aggs {
				if a.Func == AggApproxCountDistinct {
					st.aggs[i].sketch = hyperloglog.New14()
				}
			}
			groups[key] = st
			*order = append(*order, key)
		}

		for i, a := range arg.Aggs {
			s := &st.aggs[i]
			if a.Func == AggCount && a.Col < 0 {
				s.count++
				continue
			}
			vec := bat.Vecs[a.Col]
			if vec.IsNull(r) {
				continue
			}
			switch a.Func {
			case AggCount:
				s.count++
			case AggApproxCountDistinct:
				var raw bytes.Buffer
				appendKeyBytes(&raw, vec, r)
				s.sketch.Insert(raw.Bytes())
			default:
				v, err := numericAt(vec, r)
				if err != nil {
					return err
				}
				s.count++
				s.sum += v
				if !s.seen || v < s.min {
					s.min = v
				}
				if !s.seen || v > s.max {
					s.max = v
				}
				s.seen = true
			}
		}
	}
	return nil
}

func (arg *Argument) finalize(proc *process.Process, groups map[string]*groupState, order []string) (*batch.Batch, error) {
	result := batch.NewWithSize(len(arg.Keys) + len(arg.Aggs))
	result.Attrs = make([]string, len(result.Vecs))

	if len(order) == 0 {
		return result, nil
	}
	first := groups[order[0]]
	for i := range arg.Keys {
		result.Vecs[i] = vector.NewVec(*first.keyBat.Vecs[i].GetType())
		result.Attrs[i] = first.keyBat.Attrs[i]
	}
	for i, a := range arg.Aggs {
		pos := len(arg.Keys) + i
		switch a.Func {
		case AggCount, AggApproxCountDistinct:
			result.Vecs[pos] = vector.NewVec(types.New(types.T_int64))
		default:
			result.Vecs[pos] = vector.NewVec(types.New(types.T_float64))
		}
		result.Attrs[pos] = fmt.Sprintf("%s#%d", a.Func, i)
	}

	for _, key := range order {
		st := groups[key]
		for i := range arg.Keys {
			if err := result.Vecs[i].UnionBatch(st.keyBat.Vecs[i], 0, 1, proc.Mp); err != nil {
				result.Clean(proc.Mp)
				return nil, err
			}
		}
		for i, a := range arg.Aggs {
			pos := len(arg.Keys) + i
			s := &st.aggs[i]
			var err error
			switch a.Func {
			case AggCount:
				err = vector.AppendFixed(result.Vecs[pos], s.count, false, proc.Mp)
			case AggApproxCountDistinct:
				err = vector.AppendFixed(result.Vecs[pos], int64(s.sketch.Estimate()), false, proc.Mp)
			case AggSum:
				err = vector.AppendFixed(result.Vecs[pos], s.sum, !s.seen && s.count == 0, proc.Mp)
			case AggMin:
				err = vector.AppendFixed(result.Vecs[pos], s.min, !s.seen, proc.Mp)
			case AggMax:
				err = vector.AppendFixed(result.Vecs[pos], s.max, !s.seen, proc.Mp)
			case AggAvg:
				avg := 0.0
				if s.count > 0 {
					avg = s.sum / float64(s.count)
				}
				err = vector.AppendFixed(result.Vecs[pos], avg, s.count == 0, proc.Mp)
			}
			if err != nil {
				result.Clean(proc.Mp)
				return nil, err
			}
		}
		result.AddRowCount(1)
	}
	return result, nil
}

func (arg *Argument) Release() {}

func cleanGroups(proc *process.Process, groups map[string]*groupState) {
	for _, st := range groups {
		if st.keyBat != nil {
			st.keyBat.Clean(proc.Mp)
		}
	}
}

// keyRow copies the key columns of one row into a one-row batch.
func keyRow(proc *process.Process, bat *batch.Batch, keys []int32, r int) (*batch.Batch, error) {
	kb := batch.NewWithSize(len(keys))
	kb.Attrs = make([]string, len(keys))
	for i, k := range keys {
		kb.Vecs[i] = vector.NewVec(*bat.Vecs[k].GetType())
		if int(k) < len(bat.Attrs) {
			kb.Attrs[i] = bat.Attrs[k]
		}
		if err := kb.Vecs[i].UnionBatch(bat.Vecs[k], r, 1, proc.Mp); err != nil {
			kb.Clean(proc.Mp)
			return nil, err
		}
	}
	kb.SetRowCount(1)
	return kb, nil
}

// appendKeyBytes writes a prefix-free encoding of row r of vec.
func appendKeyBytes(buf *bytes.Buffer, vec *vector.Vector, r int) {
	if vec.IsNull(r) {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	switch vec.GetType().Oid {
	case types.T_bool:
		if vector.GetFixedAt[bool](vec, r) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case types.T_int32:
		v := vector.GetFixedAt[int32](vec, r)
		buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	case types.T_int64:
		v := vector.GetFixedAt[int64](vec, r)
		for x := 0; x < 8; x++ {
			buf.WriteByte(byte(v >> (8 * x)))
		}
	case types.T_float64:
		fmt.Fprintf(buf, "%g", vector.GetFixedAt[float64](vec, r))
		buf.WriteByte(0)
	case types.T_varchar:
		b := vec.GetBytesAt(r)
		var n [4]byte
		for x := 0; x < 4; x++ {
			n[x] = byte(len(b) >> (8 * x))
		}
		buf.Write(n[:])
		buf.Write(b)
	}
}

func numericAt(vec *vector.Vector, r int) (float64, error) {
	switch vec.GetType().Oid {
	case types.T_int32:
		return float64(vector.GetFixedAt[int32](vec, r)), nil
	case types.T_int64:
		return float64(vector.GetFixedAt[int64](vec, r)), nil
	case types.T_float64:
		return vector.GetFixedAt[float64](vec, r), nil
	}
	return 0, baerr.NewNYI("numeric aggregate over %s", vec.GetType())
}
