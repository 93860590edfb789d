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

// Package testutil provides the in-memory table provider and batch
// builders used by tests and the CLI.
package testutil

import (
	"context"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// NewProc builds a throwaway process for tests.
func NewProc() *process.Process {
	return process.New(context.Background(), 1, mpool.New("test", 0), nil)
}

// NewInt32Batch builds a single-column int32 batch.
func NewInt32Batch(proc *process.Process, attr string, vals []int32) *batch.Batch {
	bat := batch.NewWithSize(1)
	bat.Attrs = []string{attr}
	vec := vector.NewVec(types.New(types.T_int32))
	if err := vector.AppendFixedList(vec, vals, proc.Mp); err != nil {
		panic(err)
	}
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	return bat
}

// NewInt64Batch builds a single-column int64 batch.
func NewInt64Batch(proc *process.Process, attr string, vals []int64) *batch.Batch {
	bat := batch.NewWithSize(1)
	bat.Attrs = []string{attr}
	vec := vector.NewVec(types.New(types.T_int64))
	if err := vector.AppendFixedList(vec, vals, proc.Mp); err != nil {
		panic(err)
	}
	bat.Vecs[0] = vec
	bat.SetRowCount(len(vals))
	return bat
}

// MemTable is one in-memory table: a schema plus pre-built batches.
type MemTable struct {
	Attrs   []string
	Types   []types.Type
	Batches [][]interface{} // one slice of column value-slices per batch
}

// MemProvider serves tables out of memory, building owned batches per
// read so kernels can free them like any other input.
type MemProvider struct {
	Tables map[string]*MemTable
}

func NewMemProvider() *MemProvider {
	return &MemProvider{Tables: make(map[string]*MemTable)}
}

// AddInt32Table registers a one-column int32 table split into the given
// batches.
func (p *MemProvider) AddInt32Table(name, attr string, batches ...[]int32) {
	t := &MemTable{
		Attrs: []string{attr},
		Types: []types.Type{types.New(types.T_int32)},
	}
	for _, b := range batches {
		t.Batches = append(t.Batches, []interface{}{b})
	}
	p.Tables[name] = t
}

// AddTable registers a table with explicit schema; each batch is one
// []interface{} holding a typed value slice per column ([]int32,
// []int64, []float64, [][]byte).
func (p *MemProvider) AddTable(name string, attrs []string, typs []types.Type, batches ...[]interface{}) {
	p.Tables[name] = &MemTable{Attrs: attrs, Types: typs, Batches: batches}
}

func (p *MemProvider) Schema(table string) ([]string, []types.Type, error) {
	t, ok := p.Tables[table]
	if !ok {
		return nil, nil, baerr.NewInternal("no such table %q", table)
	}
	return t.Attrs, t.Types, nil
}

func (p *MemProvider) NumBatches(table string) int {
	t, ok := p.Tables[table]
	if !ok {
		return 0
	}
	return len(t.Batches)
}

func (p *MemProvider) ReadBatch(proc *process.Process, table string, i int) (*batch.Batch, error) {
	t, ok := p.Tables[table]
	if !ok {
		return nil, baerr.NewInternal("no such table %q", table)
	}
	cols := t.Batches[i]

	bat := batch.NewWithSize(len(t.Attrs))
	bat.Attrs = append([]string(nil), t.Attrs...)
	rows := 0
	for c := range cols {
		vec := vector.NewVec(t.Types[c])
		var err error
		switch vals := cols[c].(type) {
		case []int32:
			err = vector.AppendFixedList(vec, vals, proc.Mp)
			rows = len(vals)
		case []int64:
			err = vector.AppendFixedList(vec, vals, proc.Mp)
			rows = len(vals)
		case []float64:
			err = vector.AppendFixedList(vec, vals, proc.Mp)
			rows = len(vals)
		case [][]byte:
			for _, v := range vals {
				if err = vec.AppendBytes(v, false, proc.Mp); err != nil {
					break
				}
			}
			rows = len(vals)
		default:
			err = baerr.NewInternal("unsupported column data %T", cols[c])
		}
		if err != nil {
			bat.Clean(proc.Mp)
			return nil, err
		}
		bat.Vecs[c] = vec
	}
	bat.SetRowCount(rows)
	return bat, nil
}

// Int32Col extracts column pos of the result batches as one int32 slice.
func Int32Col(bats []*batch.Batch, pos int32) []int32 {
	var out []int32
	for _, bat := range bats {
		out = append(out, vector.FixedCol[int32](bat.GetVector(pos))...)
	}
	return out
}

// Int64Col extracts column pos of the result batches as one int64 slice.
func Int64Col(bats []*batch.Batch, pos int32) []int64 {
	var out []int64
	for _, bat := range bats {
		out = append(out, vector.FixedCol[int64](bat.GetVector(pos))...)
	}
	return out
}
