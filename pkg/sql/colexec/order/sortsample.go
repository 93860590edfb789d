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

package order

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/vector"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// SortSample sorts every input batch by the order keys and draws a
// random sample of the key columns, emitted on the samples port.
type SortSample struct {
	base kernel.Base

	Fields []sort.Field

	totalRows  int64
	totalBytes int64

	rnd *rand.Rand
}

func NewSortSample(id int32, fields []sort.Field) *SortSample {
	return &SortSample{
		base:   kernel.NewBase(id, "SortSample"),
		Fields: fields,
	}
}

func (arg *SortSample) Base() *kernel.Base { return &arg.base }

func (arg *SortSample) Describe(buf *bytes.Buffer) {
	buf.WriteString("SortSample(")
	for i, f := range arg.Fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(buf, "$%d %s", f.Index, dir)
	}
	buf.WriteString(")")
}

// TotalRows reports input rows seen; exact once the kernel finished.
func (arg *SortSample) TotalRows() int64 { return atomic.LoadInt64(&arg.totalRows) }

// AvgBytesPerRow reports the observed average row width.
func (arg *SortSample) AvgBytesPerRow() int64 {
	rows := atomic.LoadInt64(&arg.totalRows)
	if rows == 0 {
		return 0
	}
	return atomic.LoadInt64(&arg.totalBytes) / rows
}

func (arg *SortSample) Prepare(proc *process.Process) error {
	arg.rnd = rand.New(rand.NewSource(int64(proc.Token)<<16 | int64(arg.base.ID())))
	return nil
}

func (arg *SortSample) Run(proc *process.Process) error {
	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()
	samplesOut := arg.base.Output(SamplesPort)

	for {
		bat, err := in.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}

		atomic.AddInt64(&arg.totalRows, int64(bat.RowCount()))
		atomic.AddInt64(&arg.totalBytes, int64(bat.Size()))

		if err := sort.SortBatch(bat, arg.Fields, proc.Mp); err != nil {
			bat.Clean(proc.Mp)
			return err
		}

		sample, err := arg.sample(proc, bat)
		if err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		if sample != nil {
			if err := samplesOut.Put(sample); err != nil {
				sample.Clean(proc.Mp)
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

// sample projects the sort-key columns of a random row subset.
func (arg *SortSample) sample(proc *process.Process, bat *batch.Batch) (*batch.Batch, error) {
	n := bat.RowCount()
	if n == 0 {
		return nil, nil
	}
	want := computeTotalSamples(n)

	idx := make([]int64, n)
	for i := range idx {
		idx[i] = int64(i)
	}
	for i := 0; i < want; i++ {
		j := i + arg.rnd.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	sels := idx[:want]

	keys := batch.NewWithSize(len(arg.Fields))
	keys.Attrs = make([]string, len(arg.Fields))
	for k, f := range arg.Fields {
		keys.Vecs[k] = bat.Vecs[f.Index]
		if int(f.Index) < len(bat.Attrs) {
			keys.Attrs[k] = bat.Attrs[f.Index]
		}
	}
	keys.SetRowCount(n)

	sample := batch.NewWithSize(len(arg.Fields))
	sample.Attrs = append([]string(nil), keys.Attrs...)
	for k := range keys.Vecs {
		nv := vector.NewVec(*keys.Vecs[k].GetType())
		if err := nv.Union(keys.Vecs[k], sels, proc.Mp); err != nil {
			nv.Free(proc.Mp)
			sample.Clean(proc.Mp)
			return nil, err
		}
		sample.Vecs[k] = nv
	}
	sample.SetRowCount(len(sels))
	return sample, nil
}
