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

// Package output is the result sink: it accumulates final batches in
// arrival order and hands the whole sequence to the caller exactly once.
package output

import (
	"bytes"
	"sync"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

type Argument struct {
	base kernel.Base

	mu       sync.Mutex
	batches  []*batch.Batch
	released bool
}

func New(id int32) *Argument {
	return &Argument{base: kernel.NewBase(id, "Output")}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	buf.WriteString("Output")
}

func (arg *Argument) Prepare(_ *process.Process) error { return nil }

func (arg *Argument) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	for {
		bat, err := in.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}
		arg.base.CountBatch(bat)
		arg.mu.Lock()
		arg.batches = append(arg.batches, bat)
		arg.mu.Unlock()
	}
}

// ReleaseResult yields the accumulated result exactly once. A second
// call fails with AlreadyReleased.
func (arg *Argument) ReleaseResult() ([]*batch.Batch, error) {
	arg.mu.Lock()
	defer arg.mu.Unlock()
	if arg.released {
		return nil, baerr.NewAlreadyReleased()
	}
	arg.released = true
	out := arg.batches
	arg.batches = nil
	return out, nil
}

// Release does nothing; Clean frees unclaimed batches.
func (arg *Argument) Release() {}

// Clean frees unreleased batches, for abandoned queries.
func (arg *Argument) Clean(proc *process.Process) {
	arg.mu.Lock()
	defer arg.mu.Unlock()
	for _, bat := range arg.batches {
		bat.Clean(proc.Mp)
	}
	arg.batches = nil
}
