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
	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/partition"
	"github.com/basaltdb/basalt/pkg/sql/colexec"
	"github.com/basaltdb/basalt/pkg/sort"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"github.com/basaltdb/basalt/pkg/vm/kernel"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"go.uber.org/zap"
)

// PartitionPlan consumes every sample, derives the pivot table and
// broadcasts it so that all nodes cut identical range partitions. Node 0
// gathers peer samples and owns the computation.
type PartitionPlan struct {
	base kernel.Base

	Fields []sort.Field
	// Source is the sort-sample kernel feeding this plan; its row and
	// byte totals size the partitions.
	Source *SortSample

	Exch *colexec.ExchangeCtx
	// PeerSamples receives the other nodes' sample tables (node 0 only).
	PeerSamples *cache.Data
	// PlanCache receives node 0's pivot broadcast (non-zero nodes only).
	PlanCache *cache.Data
}

func NewPartitionPlan(id int32, fields []sort.Field, source *SortSample, exch *colexec.ExchangeCtx) *PartitionPlan {
	return &PartitionPlan{
		base:   kernel.NewBase(id, "PartitionPlan"),
		Fields: fields,
		Source: source,
		Exch:   exch,
	}
}

func (arg *PartitionPlan) Base() *kernel.Base { return &arg.base }

func (arg *PartitionPlan) Describe(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "PartitionPlan(%d keys)", len(arg.Fields))
}

func (arg *PartitionPlan) Prepare(_ *process.Process) error { return nil }

func (arg *PartitionPlan) Run(proc *process.Process) error {
	samples, err := arg.drainLocalSamples(proc)
	if err != nil {
		return err
	}
	if samples == nil {
		samples = batch.NewWithSize(0)
	}
	defer func() { samples.Clean(proc.Mp) }()

	totalRows := uint64(arg.Source.TotalRows())
	avgBytes := uint64(arg.Source.AvgBytesPerRow())

	if !arg.Exch.Distributed() {
		pivots, err := arg.computePlan(proc, samples, totalRows, avgBytes, 1)
		if err != nil {
			return err
		}
		return arg.emit(proc, pivots)
	}

	if arg.Exch.Self != 0 {
		// ship local samples to node 0, then wait for its plan
		proc.IncrementSubstep()
		meta := map[string]string{
			colexec.MetaTotalRows:  strconv.FormatUint(totalRows, 10),
			colexec.MetaTotalBytes: strconv.FormatUint(totalRows*avgBytes, 10),
		}
		if err := arg.Exch.SendBatch(proc, colexec.KindFor(colexec.KindSamples, arg.base.ID()), samples,
			meta, []process.Node{arg.Exch.Node(0)}); err != nil {
			return err
		}

		pivots, err := arg.PlanCache.Pull()
		if err != nil {
			return err
		}
		if pivots == nil {
			return baerr.NewInternal("partition plan cache closed before the plan arrived")
		}
		return arg.emit(proc, pivots)
	}

	// node 0: gather peer samples, fold in their totals
	gathered := samples
	totalBytes := totalRows * avgBytes
	for i := 0; i < len(arg.Exch.Nodes)-1; i++ {
		peerBat, err := arg.PeerSamples.Pull()
		if err != nil {
			return err
		}
		if peerBat == nil {
			return baerr.NewInternal("sample cache closed before all peers reported")
		}
		if v, ok := peerBat.Meta[colexec.MetaTotalRows]; ok {
			n, _ := strconv.ParseUint(v, 10, 64)
			totalRows += n
		}
		if v, ok := peerBat.Meta[colexec.MetaTotalBytes]; ok {
			n, _ := strconv.ParseUint(v, 10, 64)
			totalBytes += n
		}
		if peerBat.RowCount() > 0 {
			if gathered.RowCount() == 0 {
				gathered.Clean(proc.Mp)
				gathered = peerBat
			} else {
				if _, err := gathered.Append(proc.Mp, peerBat); err != nil {
					peerBat.Clean(proc.Mp)
					return err
				}
				peerBat.Clean(proc.Mp)
			}
		} else {
			peerBat.Clean(proc.Mp)
		}
	}
	samples = gathered
	if totalRows > 0 {
		avgBytes = totalBytes / totalRows
	}

	pivots, err := arg.computePlan(proc, samples, totalRows, avgBytes, len(arg.Exch.Nodes))
	if err != nil {
		return err
	}

	proc.IncrementSubstep()
	if err := arg.Exch.SendBatch(proc, colexec.KindFor(colexec.KindPartitionPlan, arg.base.ID()), pivots, nil, arg.Exch.Peers()); err != nil {
		pivots.Clean(proc.Mp)
		return err
	}
	return arg.emit(proc, pivots)
}

func (arg *PartitionPlan) drainLocalSamples(proc *process.Process) (*batch.Batch, error) {
	in := arg.base.Input(SamplesPort)
	var all *batch.Batch
	for {
		bat, err := in.Pull()
		if err != nil {
			if all != nil {
				all.Clean(proc.Mp)
			}
			return nil, err
		}
		if bat == nil {
			return all, nil
		}
		if all == nil {
			all = bat
			continue
		}
		if _, err := all.Append(proc.Mp, bat); err != nil {
			bat.Clean(proc.Mp)
			all.Clean(proc.Mp)
			return nil, err
		}
		bat.Clean(proc.Mp)
	}
}

func (arg *PartitionPlan) computePlan(proc *process.Process, samples *batch.Batch,
	totalRows, avgBytes uint64, numNodes int) (*batch.Batch, error) {
	bytesPer, err := config.GetUint64(proc.Options,
		config.KeyNumBytesPerOrderByPartition, config.DefaultNumBytesPerOrderByPartition)
	if err != nil {
		return nil, err
	}
	maxPer, err := config.GetInt(proc.Options,
		config.KeyMaxOrderByPartitionsPerNode, config.DefaultMaxOrderByPartitionsPerNode)
	if err != nil {
		return nil, err
	}

	p := partition.TotalPartitions(totalRows, avgBytes, bytesPer, maxPer, numNodes)
	proc.Logger.Debug("determining number of order by partitions",
		zap.Uint64("table_num_rows", totalRows),
		zap.Uint64("avg_bytes_per_row", avgBytes),
		zap.Int("total_num_partitions", p),
		zap.Uint32("step", proc.Step()),
		zap.Uint32("substep", proc.Substep()))

	return partition.Plan(samples, arg.Fields, p, proc.Mp)
}

func (arg *PartitionPlan) emit(proc *process.Process, pivots *batch.Batch) error {
	arg.base.CountBatch(pivots)
	if err := arg.base.DefaultOutput().Put(pivots); err != nil {
		pivots.Clean(proc.Mp)
		return err
	}
	return nil
}

func (arg *PartitionPlan) Release() {}
