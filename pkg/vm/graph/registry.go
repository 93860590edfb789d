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
	"sync"

	"github.com/basaltdb/basalt/pkg/common/baerr"
)

// Registry maps context tokens to live graphs. The runtime owns exactly
// one; transport callbacks receive it as an explicit handle.
type Registry struct {
	mu     sync.RWMutex
	graphs map[uint32]*Graph
}

func NewRegistry() *Registry {
	return &Registry{graphs: make(map[uint32]*Graph)}
}

// Register adds the graph under its context token.
func (r *Registry) Register(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ContextToken()] = g
}

// Deregister removes the graph for token.
func (r *Registry) Deregister(token uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graphs, token)
}

// Get returns the graph for token.
func (r *Registry) Get(token uint32) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[token]
	if !ok {
		return nil, baerr.NewInternal("no graph registered for token %d", token)
	}
	return g, nil
}
