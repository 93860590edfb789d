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

// Package order implements the distributed ORDER BY pipeline: a
// sort-and-sample kernel, a partition-plan kernel that turns gathered
// samples into a pivot table, a sort-partition-distribute kernel that
// ships range partitions to their owner nodes, and a k-way merge kernel.
package order

// Port names beyond the default port.
const (
	SamplesPort = "samples"
	PivotsPort  = "pivots"
)

// Sample size bounds per batch.
const (
	minSamplesPerBatch = 100
	maxSamplesPerBatch = 1000
	sampleFraction     = 0.1
)

// computeTotalSamples returns the per-batch sample size:
// max(100, min(1000, ceil(0.1*n))), never exceeding n.
func computeTotalSamples(n int) int {
	s := int(float64(n)*sampleFraction + 0.999999)
	if s > maxSamplesPerBatch {
		s = maxSamplesPerBatch
	}
	if s < minSamplesPerBatch {
		s = minSamplesPerBatch
	}
	if s > n {
		s = n
	}
	return s
}
