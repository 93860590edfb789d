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

// Package limit emits only the first n rows of its input.
package limit

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

type Argument struct {
	base kernel.Base

	Limit uint64
	seen  uint64
}

func New(id int32, limit uint64) *Argument {
	return &Argument{base: kernel.NewBase(id, "Limit"), Limit: limit}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "Limit(%d)", arg.Limit)
}

func (arg *Argument) Prepare(_ *process.Process) error {
	arg.seen = 0
	return nil
}

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
		if arg.seen >= arg.Limit {
			bat.Clean(proc.Mp)
			// the producer stops on its own once downstream closes; keep
			// draining so it is never blocked on a full cache
			continue
		}

		length := uint64(bat.RowCount())
		if arg.seen+length > arg.Limit {
			keep := int(arg.Limit - arg.seen)
			trimmed, err := bat.Window(0, keep).Dup(proc.Mp)
			bat.Clean(proc.Mp)
			if err != nil {
				return err
			}
			bat = trimmed
		}
		arg.seen += uint64(bat.RowCount())

		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
	}
}

func (arg *Argument) Release() {}
