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

// Package dispatch redistributes rows across the cluster: by key hash,
// round-robin by whole batch, or broadcast. Remote shares travel over the exchange
// and are fed back into this kernel's output cache by the router, so
// the kernel only closes after the peer done handshake.
package dispatch

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Mode selects the distribution policy.
type Mode int

const (
	// ByHash routes each row to hash(keys) mod numNodes.
	ByHash Mode = iota
	// ByRoundRobin spreads whole batches across nodes.
	ByRoundRobin
	// Broadcast copies every batch to every node.
	Broadcast
)

func (m Mode) String() string {
	switch m {
	case ByHash:
		return "hash"
	case ByRoundRobin:
		return "round-robin"
	case Broadcast:
		return "broadcast"
	}
	return "?"
}

type Argument struct {
	base kernel.Base

	Mode Mode
	Keys []int32
	// Kind is the exchange routing label, unique per dispatch kernel.
	Kind string

	Exch *colexec.ExchangeCtx
	// DoneCache receives one marker per peer when it finishes sending.
	DoneCache *cache.Data

	next int
}

func New(id int32, mode Mode, keys []int32, kind string, exch *colexec.ExchangeCtx) *Argument {
	name := "DistributeByHash"
	if mode == ByRoundRobin {
		name = "DistributeByRange"
	} else if mode == Broadcast {
		name = "BroadcastDistribute"
	}
	return &Argument{
		base: kernel.NewBase(id, name),
		Mode: mode,
		Keys: keys,
		Kind: kind,
		Exch: exch,
	}
}

func (arg *Argument) Base() *kernel.Base { return &arg.base }

func (arg *Argument) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%s(keys=%v)", arg.base.Name(), arg.Keys)
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
			break
		}
		if err := arg.route(proc, bat); err != nil {
			return err
		}
	}

	if arg.Exch.Distributed() {
		if err := arg.Exch.BroadcastDone(proc, arg.Kind+"_done"); err != nil {
			return err
		}
		if err := arg.Exch.AwaitPeersDone(proc, arg.DoneCache); err != nil {
			return err
		}
	}
	return nil
}

func (arg *Argument) route(proc *process.Process, bat *batch.Batch) error {
	out := arg.base.DefaultOutput()

	if !arg.Exch.Distributed() {
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		return nil
	}

	numNodes := len(arg.Exch.Nodes)
	switch arg.Mode {
	case Broadcast:
		proc.IncrementSubstep()
		if err := arg.Exch.SendBatch(proc, arg.Kind, bat, nil, arg.Exch.Peers()); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		arg.base.CountBatch(bat)
		if err := out.Put(bat); err != nil {
			bat.Clean(proc.Mp)
			return err
		}
		return nil

	case ByRoundRobin:
		dest := uint16(arg.next % numNodes)
		arg.next++
		if dest == arg.Exch.Self {
			arg.base.CountBatch(bat)
			if err := out.Put(bat); err != nil {
				bat.Clean(proc.Mp)
				return err
			}
			return nil
		}
		proc.IncrementSubstep()
		err := arg.Exch.SendBatch(proc, arg.Kind, bat, nil,
			[]process.Node{arg.Exch.Node(dest)})
		bat.Clean(proc.Mp)
		return err

	default: // ByHash
		sels := make([][]int64, numNodes)
		for r := 0; r < bat.RowCount(); r++ {
			dest := int(colexec.HashRow(bat, arg.Keys, r) % uint64(numNodes))
			sels[dest] = append(sels[dest], int64(r))
		}
		for dest, rows := range sels {
			if len(rows) == 0 {
				continue
			}
			sub, err := bat.Dup(proc.Mp)
			if err != nil {
				bat.Clean(proc.Mp)
				return err
			}
			if err := sub.Shrink(rows, proc.Mp); err != nil {
				sub.Clean(proc.Mp)
				bat.Clean(proc.Mp)
				return err
			}
			if uint16(dest) == arg.Exch.Self {
				arg.base.CountBatch(sub)
				if err := out.Put(sub); err != nil {
					sub.Clean(proc.Mp)
					bat.Clean(proc.Mp)
					return err
				}
				continue
			}
			proc.IncrementSubstep()
			err = arg.Exch.SendBatch(proc, arg.Kind, sub, nil,
				[]process.Node{arg.Exch.Node(uint16(dest))})
			sub.Clean(proc.Mp)
			if err != nil {
				bat.Clean(proc.Mp)
				return err
			}
		}
		bat.Clean(proc.Mp)
		return nil
	}
}

func (arg *Argument) Release() {}
