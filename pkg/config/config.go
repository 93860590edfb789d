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

// Package config loads the engine configuration. A toml file sets the
// process-wide defaults; each query can override individual keys via its
// context's string option map.
package config

import (
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/basaltdb/basalt/pkg/common/baerr"
)

// Per-query option keys. KeyExchangeListenAddress and KeyLogLevel are
// declared but not read from the option map.
const (
	KeyMaxKernelRunThreads         = "MAX_KERNEL_RUN_THREADS"
	KeyNumBytesPerOrderByPartition = "NUM_BYTES_PER_ORDER_BY_PARTITION"
	KeyMaxOrderByPartitionsPerNode = "MAX_NUM_ORDER_BY_PARTITIONS_PER_NODE"
	KeyMemoryMonitorPeriodMS       = "MEMORY_MONITOR_PERIOD_MS"
	KeyMemoryMonitorLowWater       = "MEMORY_MONITOR_LOW_WATER"
	KeyMemoryMonitorHighWater      = "MEMORY_MONITOR_HIGH_WATER"
	KeyTransportMessageTimeoutMS   = "TRANSPORT_MESSAGE_TIMEOUT_MS"
	KeySpillDir                    = "SPILL_DIR"
	KeyExchangeListenAddress       = "EXCHANGE_LISTEN_ADDRESS"
	KeyLogLevel                    = "LOG_LEVEL"
)

// Defaults.
const (
	DefaultMaxKernelRunThreads         = 16
	DefaultNumBytesPerOrderByPartition = uint64(400 * 1000 * 1000)
	DefaultMaxOrderByPartitionsPerNode = 8
	DefaultMemoryMonitorPeriod         = 50 * time.Millisecond
	DefaultMemoryMonitorLowWater       = 0.25
	DefaultMemoryMonitorHighWater      = 0.5
	DefaultTransportMessageTimeout     = 5 * time.Minute
)

// EngineConfig is the toml-level engine configuration.
type EngineConfig struct {
	// MaxKernelRunThreads is the per-query worker pool size.
	MaxKernelRunThreads int `toml:"max-kernel-run-threads"`
	// NumBytesPerOrderByPartition is the target bytes per order-by range
	// partition.
	NumBytesPerOrderByPartition uint64 `toml:"num-bytes-per-order-by-partition"`
	// MaxOrderByPartitionsPerNode caps range partitions assigned to one node.
	MaxOrderByPartitionsPerNode int `toml:"max-num-order-by-partitions-per-node"`

	MemoryMonitorPeriodMS  int64   `toml:"memory-monitor-period-ms"`
	MemoryMonitorLowWater  float64 `toml:"memory-monitor-low-water"`
	MemoryMonitorHighWater float64 `toml:"memory-monitor-high-water"`

	TransportMessageTimeoutMS int64 `toml:"transport-message-timeout-ms"`

	SpillDir              string `toml:"spill-dir"`
	ExchangeListenAddress string `toml:"exchange-listen-address"`

	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`
}

// FillDefault sets unset fields to their defaults.
func (c *EngineConfig) FillDefault() {
	if c.MaxKernelRunThreads == 0 {
		c.MaxKernelRunThreads = DefaultMaxKernelRunThreads
	}
	if c.NumBytesPerOrderByPartition == 0 {
		c.NumBytesPerOrderByPartition = DefaultNumBytesPerOrderByPartition
	}
	if c.MaxOrderByPartitionsPerNode == 0 {
		c.MaxOrderByPartitionsPerNode = DefaultMaxOrderByPartitionsPerNode
	}
	if c.MemoryMonitorPeriodMS == 0 {
		c.MemoryMonitorPeriodMS = DefaultMemoryMonitorPeriod.Milliseconds()
	}
	if c.MemoryMonitorLowWater == 0 {
		c.MemoryMonitorLowWater = DefaultMemoryMonitorLowWater
	}
	if c.MemoryMonitorHighWater == 0 {
		c.MemoryMonitorHighWater = DefaultMemoryMonitorHighWater
	}
	if c.TransportMessageTimeoutMS == 0 {
		c.TransportMessageTimeoutMS = DefaultTransportMessageTimeout.Milliseconds()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load parses an engine config file.
func Load(path string) (*EngineConfig, error) {
	var c EngineConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, baerr.NewBadConfig("file", path, err.Error())
	}
	c.FillDefault()
	return &c, nil
}

// Options converts the config into a per-query option map; query options
// layered on top of it win.
func (c *EngineConfig) Options() map[string]string {
	m := map[string]string{
		KeyMaxKernelRunThreads:         strconv.Itoa(c.MaxKernelRunThreads),
		KeyNumBytesPerOrderByPartition: strconv.FormatUint(c.NumBytesPerOrderByPartition, 10),
		KeyMaxOrderByPartitionsPerNode: strconv.Itoa(c.MaxOrderByPartitionsPerNode),
		KeyMemoryMonitorPeriodMS:       strconv.FormatInt(c.MemoryMonitorPeriodMS, 10),
		KeyMemoryMonitorLowWater:       strconv.FormatFloat(c.MemoryMonitorLowWater, 'f', -1, 64),
		KeyMemoryMonitorHighWater:      strconv.FormatFloat(c.MemoryMonitorHighWater, 'f', -1, 64),
		KeyTransportMessageTimeoutMS:   strconv.FormatInt(c.TransportMessageTimeoutMS, 10),
	}
	if c.SpillDir != "" {
		m[KeySpillDir] = c.SpillDir
	}
	if c.ExchangeListenAddress != "" {
		m[KeyExchangeListenAddress] = c.ExchangeListenAddress
	}
	return m
}

// GetInt reads an int option with a default.
func GetInt(options map[string]string, key string, def int) (int, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, baerr.NewBadConfig(key, v, "not an integer")
	}
	return n, nil
}

// GetUint64 reads a uint64 option with a default.
func GetUint64(options map[string]string, key string, def uint64) (uint64, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, baerr.NewBadConfig(key, v, "not an unsigned integer")
	}
	return n, nil
}

// GetFloat reads a float option with a default.
func GetFloat(options map[string]string, key string, def float64) (float64, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, baerr.NewBadConfig(key, v, "not a float")
	}
	return f, nil
}

// GetDurationMS reads a millisecond-valued option with a default.
func GetDurationMS(options map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, baerr.NewBadConfig(key, v, "not a millisecond count")
	}
	return time.Duration(n) * time.Millisecond, nil
}
