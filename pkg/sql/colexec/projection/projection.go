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

// Package projection keeps and renames a subset of columns.
package projection

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Column is one projected output column.
type Column struct {
	// Ref is the input column position.
	Ref int32
	// As is the output name; empty keeps the input name.
	As string
}

type Argument struct {
	base kernel.Base

	Cols []Column
}

func New(id int32, cols []Column) *Argument {
	return &Argument{base: kernel.NewBase(id, "Project"), Cols: cols}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	buf.WriteString("Project(")
	for i, c := range arg.Cols {
		if i > 0 {
			buf.WriteString(", ")
		}
		if c.As != "" {
			fmt.Fprintf(buf, "%s=$%d", c.As, c.Ref)
		} else {
			fmt.Fprintf(buf, "$%d", c.Ref)
		}
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

		pbat := batch.NewWithSize(len(arg.Cols))
		pbat.Attrs = make([]string, len(arg.Cols))
		for j, c := range arg.Cols {
			pbat.Vecs[j] = bat.Vecs[c.Ref]
			switch {
			case c.As != "":
				pbat.Attrs[j] = c.As
			case int(c.Ref) < len(bat.Attrs):
				pbat.Attrs[j] = bat.Attrs[c.Ref]
			}
		}
		pbat.SetRowCount(bat.RowCount())
		owned, err := pbat.Dup(proc.Mp)
		bat.Clean(proc.Mp)
		if err != nil {
			return err
		}

		arg.base.CountBatch(owned)
		if err := out.Put(owned); err != nil {
			owned.Clean(proc.Mp)
			return err
		}
	}
}

func (arg *Argument) Release() {}
