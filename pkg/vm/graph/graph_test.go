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

package graph

import (
	"bytes"
	"testing"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/testutil"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/stretchr/testify/require"
)

// producer emits numBatches single-row batches, optionally failing.
type producer struct {
	base       kernel.Base
	numBatches int
	failAfter  int
}

func newProducer(id int32, n int) *producer {
	return &producer{base: kernel.NewBase(id, "producer"), numBatches: n, failAfter: -1}
}

func (p *producer) Base() *kernel.Base              { return &p.base }
func (p *producer) Describe(buf *bytes.Buffer)      { buf.WriteString("producer") }
func (p *producer) Prepare(*process.Process) error  { return nil }
func (p *producer) Release()                        {}

func (p *producer) Run(proc *process.Process) error {
	out := p.base.DefaultOutput()
	for i := 0; i < p.numBatches; i++ {
		if p.failAfter >= 0 && i == p.failAfter {
			return baerr.NewKernel(p.base.ID(), "synthetic failure")
		}
		bat := testutil.NewInt32Batch(proc, "k", []int32{int32(i)})
		p.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
	}
	return nil
}

// consumer drains its input and counts rows.
type consumer struct {
	base kernel.Base
	rows int
}

func newConsumer(id int32) *consumer {
	return &consumer{base: kernel.NewBase(id, "consumer")}
}

func (c *consumer) Base() *kernel.Base              { return &c.base }
func (c *consumer) Describe(buf *bytes.Buffer)      { buf.WriteString("consumer") }
func (c *consumer) Prepare(*process.Process) error  { return nil }
func (c *consumer) Release()                        {}

func (c *consumer) Run(proc *process.Process) error {
	in := c.base.DefaultInput()
	for {
		bat, err := in.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}
		c.rows += bat.RowCount()
		c.base.CountBatch(bat)
		bat.Clean(proc.Mp)
	}
}

func simpleSettings() cache.Settings {
	return cache.Settings{Kind: cache.Simple}
}

func TestGraphTopoOrder(t *testing.T) {
	proc := testutil.NewProc()
	g := New(proc)

	p0 := newProducer(0, 1)
	p1 := newProducer(1, 1)
	c2 := newConsumer(2)
	c3 := newConsumer(3)
	g.AddNode(p0)
	g.AddNode(p1)
	g.AddNode(c2)
	g.AddNode(c3)

	require.NoError(t, g.AddEdge(p0, c2, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))
	require.NoError(t, g.AddEdge(p1, c2, kernel.DefaultPort, "second", simpleSettings()))
	require.NoError(t, g.AddEdge(c2, c3, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))

	require.NoError(t, g.OrderKernels())
	ordered := g.OrderedKernelIDs()
	require.Len(t, ordered, 4)
	pos := make(map[int32]int)
	for i, id := range ordered {
		pos[id] = i
	}
	require.Less(t, pos[0], pos[2])
	require.Less(t, pos[1], pos[2])
	require.Less(t, pos[2], pos[3])
}

func TestGraphDuplicateEdge(t *testing.T) {
	proc := testutil.NewProc()
	g := New(proc)
	p := newProducer(0, 1)
	a := newConsumer(1)
	b := newConsumer(2)
	g.AddNode(p)
	g.AddNode(a)
	g.AddNode(b)

	require.NoError(t, g.AddEdge(p, a, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))
	err := g.AddEdge(p, b, kernel.DefaultPort, kernel.DefaultPort, simpleSettings())
	require.True(t, baerr.IsCode(err, baerr.ErrDuplicateEdge))
}

func TestGraphExecute(t *testing.T) {
	proc := testutil.NewProc()
	g := New(proc)

	p := newProducer(0, 20)
	c := newConsumer(1)
	g.AddNode(p)
	g.AddNode(c)
	require.NoError(t, g.AddEdge(p, c, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))
	require.NoError(t, g.Validate())
	require.NoError(t, g.OrderKernels())

	require.NoError(t, g.StartExecute(4))
	require.NoError(t, g.FinishExecute())
	require.Equal(t, 20, c.rows)
	require.True(t, g.QueryIsComplete())

	prog := g.GetProgress()
	require.Len(t, prog.KernelDescriptions, 2)
	require.True(t, prog.Finished[0])
	require.Equal(t, int64(20), prog.BatchesCompleted[0])
}

func TestGraphErrorPropagation(t *testing.T) {
	proc := testutil.NewProc()
	g := New(proc)

	p := newProducer(0, 10)
	p.failAfter = 3
	c := newConsumer(1)
	g.AddNode(p)
	g.AddNode(c)
	require.NoError(t, g.AddEdge(p, c, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))
	require.NoError(t, g.OrderKernels())

	require.NoError(t, g.StartExecute(4))
	err := g.FinishExecute()
	require.True(t, baerr.IsCode(err, baerr.ErrKernel))

	// downstream saw the closed cache and terminated cleanly
	require.Equal(t, kernel.Finished, c.Base().State())
	require.Equal(t, kernel.Failed, p.Base().State())
}

// slowProducer keeps emitting until cancelled.
type slowProducer struct {
	producer
}

func (p *slowProducer) Run(proc *process.Process) error {
	out := p.base.DefaultOutput()
	for i := 0; ; i++ {
		bat := testutil.NewInt32Batch(proc, "k", []int32{int32(i)})
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGraphCancellation(t *testing.T) {
	proc := testutil.NewProc()
	g := New(proc)

	p := &slowProducer{producer{base: kernel.NewBase(0, "slow")}}
	c := newConsumer(1)
	g.AddNode(p)
	g.AddNode(c)
	require.NoError(t, g.AddEdge(p, c, kernel.DefaultPort, kernel.DefaultPort, simpleSettings()))
	require.NoError(t, g.OrderKernels())
	require.NoError(t, g.StartExecute(4))

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	g.Cancel()
	err := g.FinishExecute()
	require.True(t, baerr.IsCode(err, baerr.OkQueryCancelled))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
