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

package cache

import (
	"sync"

	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/spill"
	"github.com/basaltdb/basalt/pkg/vm/process"
)

// Kind selects the cache policy.
type Kind int

const (
	// Simple is a plain bounded FIFO.
	Simple Kind = iota
	// Concatenating fuses arriving batches of one schema up to ConcatBytes.
	Concatenating
	// ForEach round-robins batches into NumPartitions sub-queues addressed
	// by index.
	ForEach
)

func (k Kind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Concatenating:
		return "concatenating"
	case ForEach:
		return "for-each"
	}
	return "unknown"
}

// Settings describes the cache an edge creates.
type Settings struct {
	Kind Kind
	// CapacityBytes bounds queued bytes; 0 means unbounded.
	CapacityBytes int64
	// ConcatBytes is the fuse threshold for Concatenating caches.
	ConcatBytes int64
	// NumPartitions is the sub-queue count for ForEach caches.
	NumPartitions int
}

// DefaultConcatBytes is the fuse threshold used when a concatenating
// cache is created without one.
const DefaultConcatBytes = 32 * 1024 * 1024

// entry is one queued slot: a live batch or a spill reference.
type entry struct {
	bat    *batch.Batch
	ref    *spill.Ref
	bytes  int64
	rows   int64
	concat bool
}

// Data is the bounded FIFO between two kernels. All blocking uses the
// wait channels below with a bounded timed wait so cancellation stays
// responsive.
type Data struct {
	name     string
	settings Settings
	proc     *process.Process

	mu        sync.Mutex
	parts     [][]*entry
	putIdx    int
	pullIdx   int
	bytes     int64
	closed    bool
	paused    bool
	notFullC  chan struct{}
	notEmptyC chan struct{}
	doneC     chan struct{}

	store *spill.Store

	rowsIn     int64
	rowsOut    int64
	batchesIn  int64
	batchesOut int64
}
