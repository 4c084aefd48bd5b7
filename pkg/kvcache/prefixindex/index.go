/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package prefixindex maps chained block hashes to physical blocks inside
// one engine instance. Two sequences whose leading token blocks are
// identical resolve to the same physical blocks through this index instead
// of recomputing them.
package prefixindex

import (
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
)

// Index is the engine-local content-addressable block lookup.
//
// Only full blocks are ever inserted: a block's hash is defined over its
// full fixed capacity, chained with its predecessor's hash. Mappings are
// removed when the pool evicts the backing block.
type Index interface {
	// Lookup resolves a chained block hash to a physical block.
	Lookup(hash uint64) (blockpool.BlockID, bool)
	// Insert registers a fully written block for future reuse.
	Insert(hash uint64, id blockpool.BlockID)
	// Invalidate removes the mapping for an evicted block.
	Invalidate(hash uint64)
	// Len returns the number of live mappings.
	Len() int
}

// NewInMemoryIndex creates the default map-backed index.
func NewInMemoryIndex() Index {
	return &inMemoryIndex{data: make(map[uint64]blockpool.BlockID)}
}

type inMemoryIndex struct {
	data map[uint64]blockpool.BlockID
}

var _ Index = &inMemoryIndex{}

func (m *inMemoryIndex) Lookup(hash uint64) (blockpool.BlockID, bool) {
	id, ok := m.data[hash]
	return id, ok
}

func (m *inMemoryIndex) Insert(hash uint64, id blockpool.BlockID) {
	m.data[hash] = id
}

func (m *inMemoryIndex) Invalidate(hash uint64) {
	delete(m.data, hash)
}

func (m *inMemoryIndex) Len() int {
	return len(m.data)
}
