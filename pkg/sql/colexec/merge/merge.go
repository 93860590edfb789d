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

// Package merge funnels several input caches into one stream, one input
// after another in port order. UNION ALL compiles to this kernel.
package merge

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// InputPort names the i-th input of a multi-input kernel.
func InputPort(i int) string {
	return fmt.Sprintf("input%d", i)
}

type Argument struct {
	base kernel.Base

	NumInputs int
}

func New(id int32, numInputs int) *Argument {
	return &Argument{base: kernel.NewBase(id, "UnionAll"), NumInputs: numInputs}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "UnionAll(%d inputs)", arg.NumInputs)
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

func (arg *Argument) Run(proc *process.Process) error {
	out := arg.base.DefaultOutput()
	for i := 0; i < arg.NumInputs; i++ {
		in := arg.base.Input(InputPort(i))
		for {
			bat, err := in.Pull()
			if err != nil {
				return err
			}
			if bat == nil {
				break
			}
			arg.base.CountBatch(bat)
			if err := out.Put(bat); err != nil {
				bat.Clean(proc.Mp)
				return err
			}
		}
	}
	return nil
}

func (arg *Argument) Release() {}
