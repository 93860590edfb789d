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
	"context"
	"time"

	"github.com/basaltdb/basalt/pkg/common/stopper"
	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/vm/cache"
	"go.uber.org/zap"
)

// Monitor watches the query's memory pool and relieves pressure. It is
// the only component allowed to command spill: below the low-water free
// ratio it spills the largest cache's oldest batches; if pressure
// persists it pauses the highest-throughput producer cache until the
// free ratio recovers past the high-water mark.
type Monitor struct {
	period    time.Duration
	lowWater  float64
	highWater float64
	logger    *zap.Logger

	stopper *stopper.Stopper
	paused  *cache.Data
}

// NewMonitor builds a monitor from the query options.
func NewMonitor(options map[string]string, logger *zap.Logger) (*Monitor, error) {
	period, err := config.GetDurationMS(options, config.KeyMemoryMonitorPeriodMS, config.DefaultMemoryMonitorPeriod)
	if err != nil {
		return nil, err
	}
	low, err := config.GetFloat(options, config.KeyMemoryMonitorLowWater, config.DefaultMemoryMonitorLowWater)
	if err != nil {
		return nil, err
	}
	high, err := config.GetFloat(options, config.KeyMemoryMonitorHighWater, config.DefaultMemoryMonitorHighWater)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		period:    period,
		lowWater:  low,
		highWater: high,
		logger:    logger,
	}, nil
}

// Start begins sampling the graph on a dedicated task.
func (m *Monitor) Start(g *Graph) {
	if m.stopper != nil {
		return
	}
	m.stopper = stopper.NewStopper("memory-monitor", stopper.WithLogger(m.logger))
	_ = m.stopper.RunTask(func(ctx context.Context) {
		ticker := time.NewTicker(m.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.proc.Ctx.Done():
				return
			case <-ticker.C:
				m.sample(g)
			}
		}
	})
}

// Stop halts sampling and lifts any outstanding pause.
func (m *Monitor) Stop() {
	if m.stopper == nil {
		return
	}
	m.stopper.Stop()
	if m.paused != nil {
		m.paused.Resume()
		m.paused = nil
	}
}

func (m *Monitor) sample(g *Graph) {
	free := g.proc.Mp.FreeRatio()

	if m.paused != nil && free >= m.highWater {
		m.logger.Info("memory recovered, resuming producer",
			zap.String("cache", m.paused.Name()),
			zap.Float64("free_ratio", free))
		m.paused.Resume()
		m.paused = nil
	}

	if free >= m.lowWater {
		return
	}

	caches := g.Caches()
	var largest *cache.Data
	var largestBytes int64
	var busiest *cache.Data
	var busiestBatches int64
	for _, c := range caches {
		if b := c.BytesQueued(); b > largestBytes {
			largest, largestBytes = c, b
		}
		if n := c.BatchesOut(); n > busiestBatches {
			busiest, busiestBatches = c, n
		}
	}

	if largest != nil && largestBytes > 0 {
		want := largestBytes / 2
		if want == 0 {
			want = largestBytes
		}
		released, err := largest.SpillOldest(want)
		if err != nil {
			g.SetError(err)
			return
		}
		m.logger.Info("memory pressure, spilled cache",
			zap.String("cache", largest.Name()),
			zap.Int64("released_bytes", released),
			zap.Float64("free_ratio", free))
		if released > 0 {
			return
		}
	}

	// nothing left to spill; throttle the busiest producer until the
	// free ratio recovers
	if m.paused == nil && busiest != nil {
		m.logger.Warn("memory still tight, pausing producer",
			zap.String("cache", busiest.Name()),
			zap.Float64("free_ratio", free))
		busiest.Pause()
		m.paused = busiest
	}
}
