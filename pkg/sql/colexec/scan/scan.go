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

// Package scan reads table batches from a provider. The bindable variant
// applies projection and filter pushdown; a limit hint lets simple
// scan+limit plans stop before opening every batch.
package scan

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// TableProvider produces batches on demand. File parsers and storage
// providers implement it outside the engine.
type TableProvider interface {
	Schema(table string) ([]string, []types.Type, error)
	NumBatches(table string) int
	ReadBatch(proc *process.Process, table string, i int) (*batch.Batch, error)
}

// Argument is the table scan kernel. Projects and Filter are only set on
// the bindable variant.
type Argument struct {
	base kernel.Base

	Provider TableProvider
	Table    string
	Projects []int32
	Filter   colexec.Conjunction

	// limitHint stops the scan once that many rows were emitted; 0 means
	// no early stop. Set by the graph builder on simple scan+limit plans.
	limitHint int64

	batchesOpened int64
}

func New(id int32, provider TableProvider, table string) *Argument {
	return &Argument{
		base:     kernel.NewBase(id, "TableScan"),
		Provider: provider,
		Table:    table,
	}
}

// NewBindable builds the pushdown variant.
func NewBindable(id int32, provider TableProvider, table string, projects []int32, filter colexec.Conjunction) *Argument {
	arg := New(id, provider, table)
	arg.base = kernel.NewBase(id, "BindableTableScan")
	arg.Projects = projects
	arg.Filter = filter
	return arg
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%s(table=%s", arg.base.Name(), arg.Table)
	if len(arg.Projects) > 0 {
		fmt.Fprintf(buf, ", projects=%v", arg.Projects)
	}
	if n := atomic.LoadInt64(&arg.limitHint); n > 0 {
		fmt.Fprintf(buf, ", limit_hint=%d", n)
	}
	buf.WriteString(")")
}

// SetLimitHint allows the scan to stop early once n rows are out.
func (arg *Argument) SetLimitHint(n int64) {
	atomic.StoreInt64(&arg.limitHint, n)
}

// BatchesOpened reports how many provider batches were read.
func (arg *Argument) BatchesOpened() int64 {
	return atomic.LoadInt64(&arg.batchesOpened)
}

func (arg *Argument) Prepare(_ *process.Process) error {
	if _, _, err := arg.Provider.Schema(arg.Table); err != nil {
		return err
	}
	return nil
}

func (arg *Argument) Run(proc *process.Process) error {
	out := arg.base.DefaultOutput()
	var emitted int64

	n := arg.Provider.NumBatches(arg.Table)
	for i := 0; i < n; i++ {
		if err := colexec.CancelCheck(proc); err != nil {
			return err
		}
		hint := atomic.LoadInt64(&arg.limitHint)
		if hint > 0 && emitted >= hint {
			break
		}

		bat, err := arg.Provider.ReadBatch(proc, arg.Table, i)
		if err != nil {
			return err
		}
		atomic.AddInt64(&arg.batchesOpened, 1)

		if len(arg.Filter) > 0 {
			sels := make([]int64, 0, bat.RowCount())
			for r := 0; r < bat.RowCount(); r++ {
				keep, err := arg.Filter.EvalRow(bat, r)
				if err != nil {
					bat.Clean(proc.Mp)
					return err
				}
				if keep {
					sels = append(sels, int64(r))
				}
			}
			if len(sels) != bat.RowCount() {
				if err := bat.Shrink(sels, proc.Mp); err != nil {
					bat.Clean(proc.Mp)
					return err
				}
			}
		}

		if len(arg.Projects) > 0 {
			pbat := batch.NewWithSize(len(arg.Projects))
			pbat.Attrs = make([]string, len(arg.Projects))
			for j, col := range arg.Projects {
				pbat.Vecs[j] = bat.Vecs[col]
				if int(col) < len(bat.Attrs) {
					pbat.Attrs[j] = bat.Attrs[col]
				}
			}
			pbat.SetRowCount(bat.RowCount())
			owned, err := pbat.Dup(proc.Mp)
			bat.Clean(proc.Mp)
			if err != nil {
				return err
			}
			bat = owned
		}

		if bat.IsEmpty() {
			bat.Clean(proc.Mp)
			continue
		}
		emitted += int64(bat.RowCount())
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
	}
	return nil
}

func (arg *Argument) Release() {}
