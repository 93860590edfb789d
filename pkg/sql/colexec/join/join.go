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

// Package join is the hash equi-join kernel: build side hashed first,
// probe side streamed. Multi-node plans hash-distribute both inputs on
// the join keys beforehand, making every join local.
package join

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// BuildPort names the build-side input.
const BuildPort = "build"

// joinChunkRows bounds the rows per emitted batch.
const joinChunkRows = 8192

type buildRow struct {
	bat *batch.Batch
	row int
}

// Argument is an inner hash join on equal key pairs: probe column
// LeftKeys[i] matches build column RightKeys[i].
type Argument struct {
	base kernel.Base

	LeftKeys  []int32
	RightKeys []int32
}

func New(id int32, leftKeys, rightKeys []int32) *Argument {
	return &Argument{
		base:      kernel.NewBase(id, "HashJoin"),
		LeftKeys:  leftKeys,
		RightKeys: rightKeys,
	}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "HashJoin(left=%v, right=%v)", arg.LeftKeys, arg.RightKeys)
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

func (arg *Argument) Run(proc *process.Process) error {
	buildIn := arg.base.Input(BuildPort)
	probeIn := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()

	// build
	table := make(map[uint64][]buildRow)
	var built []*batch.Batch
	defer func() {
		for _, b := range built {
			b.Clean(proc.Mp)
		}
	}()
	for {
		bat, err := buildIn.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			break
		}
		built = append(built, bat)
		for r := 0; r < bat.RowCount(); r++ {
			h := colexec.HashRow(bat, arg.RightKeys, r)
			table[h] = append(table[h], buildRow{bat: bat, row: r})
		}
	}

	// probe
	var chunk *batch.Batch
	flush := func() error {
		if chunk == nil || chunk.IsEmpty() {
			if chunk != nil {
				chunk.Clean(proc.Mp)
				chunk = nil
			}
			return nil
		}
		arg.base.CountBatch(chunk)
		if err := out.Put(chunk); err != nil {
			chunk.Clean(proc.Mp)
			chunk = nil
			return err
		}
		chunk = nil
		return nil
	}

	for {
		bat, err := probeIn.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return flush()
		}
		for r := 0; r < bat.RowCount(); r++ {
			h := colexec.HashRow(bat, arg.LeftKeys, r)
			for _, cand := range table[h] {
				if !keysEqual(bat, arg.LeftKeys, r, cand.bat, arg.RightKeys, cand.row) {
					continue
				}
				if chunk == nil {
					chunk = newJoined(bat, cand.bat)
				}
				if err := appendJoined(proc, chunk, bat, r, cand.bat, cand.row); err != nil {
					bat.Clean(proc.Mp)
					return err
				}
				if chunk.RowCount() >= joinChunkRows {
					if err := flush(); err != nil {
						bat.Clean(proc.Mp)
						return err
					}
				}
			}
		}
		bat.Clean(proc.Mp)
	}
}

func (arg *Argument) Release() {}

func keysEqual(l *batch.Batch, lk []int32, lr int, r *batch.Batch, rk []int32, rr int) bool {
	for i := range lk {
		if l.Vecs[lk[i]].CompareAt(lr, r.Vecs[rk[i]], rr, false) != 0 {
			return false
		}
		// a null never equals anything, including another null
		if l.Vecs[lk[i]].IsNull(lr) || r.Vecs[rk[i]].IsNull(rr) {
			return false
		}
	}
	return true
}

func newJoined(l, r *batch.Batch) *batch.Batch {
	chunk := batch.NewWithSize(len(l.Vecs) + len(r.Vecs))
	chunk.Attrs = make([]string, len(chunk.Vecs))
	for i, vec := range l.Vecs {
		chunk.Vecs[i] = vector.NewVec(*vec.GetType())
		if i < len(l.Attrs) {
			chunk.Attrs[i] = l.Attrs[i]
		}
	}
	for i, vec := range r.Vecs {
		chunk.Vecs[len(l.Vecs)+i] = vector.NewVec(*vec.GetType())
		if i < len(r.Attrs) {
			chunk.Attrs[len(l.Vecs)+i] = r.Attrs[i]
		}
	}
	return chunk
}

func appendJoined(proc *process.Process, chunk, l *batch.Batch, lr int, r *batch.Batch, rr int) error {
	for i := range l.Vecs {
		if err := chunk.Vecs[i].UnionBatch(l.Vecs[i], lr, 1, proc.Mp); err != nil {
			return err
		}
	}
	for i := range r.Vecs {
		if err := chunk.Vecs[len(l.Vecs)+i].UnionBatch(r.Vecs[i], rr, 1, proc.Mp); err != nil {
			return err
		}
	}
	chunk.AddRowCount(1)
	return nil
}
