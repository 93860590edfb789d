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

// Package restrict is the filter kernel: rows failing the conjunction
// are dropped.
package restrict

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

type Argument struct {
	base kernel.Base

	Cond colexec.Conjunction
}

func New(id int32, cond colexec.Conjunction) *Argument {
	return &Argument{base: kernel.NewBase(id, "Filter"), Cond: cond}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	buf.WriteString("Filter(")
	for i, p := range arg.Cond {
		if i > 0 {
			buf.WriteString(" AND ")
		}
		fmt.Fprintf(buf, "$%d%s%s", p.Col, p.Op, p.Literal)
	}
	buf.WriteString(")")
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

func (arg *Argument) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()
	for {
		bat, err := in.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}

		sels := make([]int64, 0, bat.RowCount())
		for r := 0; r < bat.RowCount(); r++ {
			keep, err := arg.Cond.EvalRow(bat, r)
			if err != nil {
				bat.Clean(proc.Mp)
				return err
			}
			if keep {
				sels = append(sels, int64(r))
			}
		}
		if len(sels) == 0 {
			bat.Clean(proc.Mp)
			continue
		}
		if len(sels) != bat.RowCount() {
			if err := bat.Shrink(sels, proc.Mp); err != nil {
				bat.Clean(proc.Mp)
				return err
			}
		}
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
	}
}

func (arg *Argument) Release() {}
