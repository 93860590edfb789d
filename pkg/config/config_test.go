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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/stretchr/testify/require"
)

func TestFillDefault(t *testing.T) {
	var c EngineConfig
	c.FillDefault()
	require.Equal(t, DefaultMaxKernelRunThreads, c.MaxKernelRunThreads)
	require.Equal(t, DefaultNumBytesPerOrderByPartition, c.NumBytesPerOrderByPartition)
	require.Equal(t, DefaultMaxOrderByPartitionsPerNode, c.MaxOrderByPartitionsPerNode)
	require.Equal(t, "info", c.LogLevel)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max-kernel-run-threads = 4
num-bytes-per-order-by-partition = 1048576
log-level = "debug"
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, c.MaxKernelRunThreads)
	require.Equal(t, uint64(1048576), c.NumBytesPerOrderByPartition)
	require.Equal(t, "debug", c.LogLevel)

	opts := c.Options()
	require.Equal(t, "4", opts[KeyMaxKernelRunThreads])
}

func TestOptionGetters(t *testing.T) {
	opts := map[string]string{
		KeyMaxKernelRunThreads:       "8",
		KeyMemoryMonitorPeriodMS:     "75",
		KeyMemoryMonitorLowWater:     "0.1",
		KeyTransportMessageTimeoutMS: "oops",
	}

	n, err := GetInt(opts, KeyMaxKernelRunThreads, 16)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = GetInt(opts, "MISSING", 16)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	d, err := GetDurationMS(opts, KeyMemoryMonitorPeriodMS, time.Second)
	require.NoError(t, err)
	require.Equal(t, 75*time.Millisecond, d)

	f, err := GetFloat(opts, KeyMemoryMonitorLowWater, 0.25)
	require.NoError(t, err)
	require.Equal(t, 0.1, f)

	_, err = GetDurationMS(opts, KeyTransportMessageTimeoutMS, time.Second)
	require.True(t, baerr.IsCode(err, baerr.ErrBadConfig))
}
