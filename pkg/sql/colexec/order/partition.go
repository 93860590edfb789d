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
	"strconv"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/barpc"
	"github.com/basaltdb/basalt/pkg/partition"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Partition cuts every locally sorted batch at the pivot rows and routes
// each range to its owner: with perNode = ceil(P/numNodes), range i
// belongs to node i div perNode, local sub-queue i mod perNode. Remote
// ranges travel over the exchange; the
// exchange router feeds them into this kernel's output cache, so the
// done handshake below must complete before the cache closes.
type Partition struct {
	base kernel.Base

	Fields []sort.Field

	Exch *colexec.ExchangeCtx
	// DoneCache receives one marker per peer when it finishes sending.
	DoneCache *cache.Data
}

func NewPartition(id int32, fields []sort.Field, exch *colexec.ExchangeCtx) *Partition {
	return &Partition{
		base:   kernel.NewBase(id, "SortPartitionDistribute"),
		Fields: fields,
		Exch:   exch,
	}
}

func (arg *Partition) Base() *kernel.Base { return &arg.base }

func (arg *Partition) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "SortPartitionDistribute(%d keys)", len(arg.Fields))
}

func (arg *Partition) Prepare(_ *process.Process) error { return nil }

func (arg *Partition) Run(proc *process.Process) error {
	pivotsIn := arg.base.Input(PivotsPort)
	pivots, err := pivotsIn.Pull()
	if err != nil {
		return err
	}
	if pivots == nil {
		return baerr.NewInternal("pivot cache closed before the plan arrived")
	}
	defer pivots.Clean(proc.Mp)

	numNodes := 1
	if arg.Exch.Distributed() {
		numNodes = len(arg.Exch.Nodes)
	}
	totalParts := pivots.RowCount() + 1
	perNode := (totalParts + numNodes - 1) / numNodes

	in := arg.base.DefaultInput()
	out := arg.base.DefaultOutput()

	for {
		bat, err := in.Pull()
		if err != nil {
			return err
		}
		if bat == nil {
			break
		}

		points := partition.SplitPoints(bat, arg.Fields, pivots)
		subs, err := partition.Split(bat, points, proc.Mp)
		bat.Clean(proc.Mp)
		if err != nil {
			return err
		}

		for i, sub := range subs {
			if sub.IsEmpty() {
				sub.Clean(proc.Mp)
				continue
			}
			// ranges are owned in contiguous blocks so that concatenating
			// the nodes' merged outputs in node order stays globally sorted
			owner := uint16(i / perNode)
			local := i % perNode
			if !arg.Exch.Distributed() || owner == arg.Exch.Self {
				arg.base.CountBatch(sub)
				if err := out.PutPartition(sub, local); err != nil {
					sub.Clean(proc.Mp)
					return err
				}
				continue
			}
			proc.IncrementSubstep()
			meta := map[string]string{
				barpc.MetaPartitionIdx: strconv.Itoa(local),
			}
			err := arg.Exch.SendBatch(proc, colexec.KindFor(colexec.KindPartition, arg.base.ID()), sub, meta,
				[]process.Node{arg.Exch.Node(owner)})
			sub.Clean(proc.Mp)
			if err != nil {
				return err
			}
		}
	}

	if arg.Exch.Distributed() {
		if err := arg.Exch.BroadcastDone(proc, colexec.KindFor(colexec.KindPartitionDone, arg.base.ID())); err != nil {
			return err
		}
		if err := arg.Exch.AwaitPeersDone(proc, arg.DoneCache); err != nil {
			return err
		}
	}
	return nil
}

func (arg *Partition) Release() {}
