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

package distindex

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/utils"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

const (
	defaultInMemorySize  = 1e6
	defaultEnginesPerKey = 10
)

// InMemoryIndexConfig bounds the in-memory index.
type InMemoryIndexConfig struct {
	// Size caps the number of tracked keys.
	Size int `yaml:"size"`
	// EnginesPerKey caps the holder entries tracked per key.
	EnginesPerKey int `yaml:"enginesPerKey"`
}

// DefaultInMemoryIndexConfig returns the in-memory index defaults.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:          defaultInMemorySize,
		EnginesPerKey: defaultEnginesPerKey,
	}
}

// InMemoryIndex keeps the block-to-engine mapping in a two-level LRU: keys
// at the top, holder entries per key below. Both levels evict the least
// recently touched entries under pressure.
type InMemoryIndex struct {
	data          *lru.Cache[Key, *engineCache]
	enginesPerKey int
}

var _ Index = &InMemoryIndex{}

type engineCache struct {
	cache *lru.Cache[EngineEntry, struct{}]
	// mu serializes check-and-set updates; the LRU itself is thread-safe.
	mu sync.Mutex
}

// NewInMemoryIndex creates an InMemoryIndex; nil config gets defaults.
func NewInMemoryIndex(config *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if config == nil {
		config = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[Key, *engineCache](config.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}
	return &InMemoryIndex{data: cache, enginesPerKey: config.EnginesPerKey}, nil
}

// Lookup returns the engines holding each key. The scan stops at the first
// key without holders: later keys cannot extend the usable prefix.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.inmemory")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		holders, found := m.data.Get(key)
		if !found || holders.cache.Len() == 0 {
			traceLogger.Info("prefix chain broken", "key", key.String())
			return enginesPerKey, nil
		}

		if engineFilter.Len() == 0 {
			enginesPerKey[key] = utils.SliceMap(holders.cache.Keys(),
				func(e EngineEntry) string { return e.EngineID })
			continue
		}
		for _, entry := range holders.cache.Keys() {
			if engineFilter.Has(entry.EngineID) {
				enginesPerKey[key] = append(enginesPerKey[key], entry.EngineID)
			}
		}
		if len(enginesPerKey[key]) == 0 {
			return enginesPerKey, nil
		}
	}
	return enginesPerKey, nil
}

// Add records holders for the given keys.
func (m *InMemoryIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.inmemory")

	for _, key := range keys {
		holders, found := m.data.Get(key)
		if !found {
			cache, err := lru.New[EngineEntry, struct{}](m.enginesPerKey)
			if err != nil {
				return fmt.Errorf("failed to create holder cache for key %s: %w", key.String(), err)
			}
			fresh := &engineCache{cache: cache}
			if contains, _ := m.data.ContainsOrAdd(key, fresh); contains {
				holders, found = m.data.Get(key)
				if !found {
					m.data.Add(key, fresh)
					holders = fresh
				}
			} else {
				holders = fresh
			}
		}

		holders.mu.Lock()
		for _, entry := range entries {
			holders.cache.Add(entry, struct{}{})
		}
		holders.mu.Unlock()
		traceLogger.Info("added holders", "key", key.String(), "entries", len(entries))
	}
	return nil
}

// Evict removes holders from a key, dropping the key once no holder
// remains.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.inmemory")

	holders, found := m.data.Get(key)
	if !found {
		return nil
	}

	holders.mu.Lock()
	for _, entry := range entries {
		holders.cache.Remove(entry)
	}
	empty := holders.cache.Len() == 0
	holders.mu.Unlock()

	if empty {
		m.data.Remove(key)
		traceLogger.Info("dropped key, no holders remain", "key", key.String())
	}
	return nil
}
