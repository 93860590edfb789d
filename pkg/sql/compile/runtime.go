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

package compile

import (
	"context"
	"strconv"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/barpc"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/logutil"
	"github.com/basaltdb/basalt/pkg/sql/colexec/scan"
	"github.com/basaltdb/basalt/pkg/vm/graph"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"go.uber.org/zap"
)

// Runtime is the per-process engine state: the graph registry, the
// exchange service when clustered, and the table provider. Transport
// callbacks receive the runtime as an explicit handle.
type Runtime struct {
	conf     *config.EngineConfig
	provider scan.TableProvider
	registry *graph.Registry
	exchange *barpc.Service
	self     uint16
	nodes    []process.Node
	logger   *zap.Logger
}

// NewRuntime builds a single-node runtime.
func NewRuntime(conf *config.EngineConfig, provider scan.TableProvider) *Runtime {
	if conf == nil {
		conf = &config.EngineConfig{}
	}
	conf.FillDefault()
	return &Runtime{
		conf:     conf,
		provider: provider,
		registry: graph.NewRegistry(),
		nodes:    []process.Node{{ID: 0}},
		logger:   logutil.GetLogger(),
	}
}

// StartCluster turns the runtime into cluster mode: it starts the
// exchange service on the self node's address and dials peers lazily.
func (rt *Runtime) StartCluster(self uint16, nodes []process.Node) error {
	rt.self = self
	rt.nodes = nodes

	svc, err := barpc.NewService(nodes[self],
		barpc.WithServiceLogger(rt.logger),
		barpc.WithMessageTimeout(time.Duration(rt.conf.TransportMessageTimeoutMS)*time.Millisecond))
	if err != nil {
		return err
	}
	svc.RegisterDeliver(rt.deliver)
	if err := svc.Start(); err != nil {
		return err
	}
	rt.exchange = svc
	return nil
}

// Close stops the exchange service.
func (rt *Runtime) Close() error {
	if rt.exchange != nil {
		return rt.exchange.Close()
	}
	return nil
}

// Registry exposes the graph registry.
func (rt *Runtime) Registry() *graph.Registry { return rt.registry }

// deliver routes one inbound exchange message into the right cache of
// the right graph, identified by the context token it carries.
func (rt *Runtime) deliver(msg *barpc.Message) error {
	tokenStr := msg.Metadata[barpc.MetaContextToken]
	token, err := strconv.ParseUint(tokenStr, 10, 32)
	if err != nil {
		return baerr.NewTransportCorrupt(msg.Tag.OriginNodeID, baerr.StageDecode,
			"missing context token")
	}
	// a peer may race slightly ahead of local graph registration
	var g *graph.Graph
	for deadline := time.Now().Add(5 * time.Second); ; {
		g, err = rt.registry.Get(uint32(token))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}

	kind := msg.Metadata[barpc.MetaKind]
	c := g.ExchangeCache(kind)
	if c == nil {
		c = g.InputMessageCache()
	}
	if c == nil {
		err := baerr.NewInternal("no cache bound for exchange kind %q", kind)
		g.SetError(err)
		return err
	}

	bat, err := barpc.BatchFromMessage(msg, g.Proc().Mp)
	if err != nil {
		g.SetError(err)
		return err
	}
	bat.Meta = msg.Metadata

	part := -1
	if v, ok := msg.Metadata[barpc.MetaPartitionIdx]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			part = n
		}
	}
	if err := c.PutPartition(bat, part); err != nil {
		bat.Clean(g.Proc().Mp)
		if baerr.IsExpected(err) {
			return nil
		}
		g.SetError(err)
		return err
	}
	return nil
}

// NewQuery creates the process for one query. token must agree across
// all nodes running the query.
func (rt *Runtime) NewQuery(token uint32, options map[string]string) *process.Process {
	merged := rt.conf.Options()
	for k, v := range options {
		merged[k] = v
	}
	mp := mpool.New("query", 0)
	proc := process.New(context.Background(), token, mp, merged)
	proc.SetNodes(rt.self, rt.nodes)
	return proc
}
