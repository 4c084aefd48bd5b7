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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

const (
	costAwareNumCounters = 1e7
	costAwareBufferItems = 64
)

// CostAwareIndexConfig bounds the cost-aware index by memory footprint
// rather than key count.
type CostAwareIndexConfig struct {
	// Size is the memory budget in a human-readable form ("512MiB",
	// "2GiB").
	Size string `yaml:"size,omitempty"`
}

// DefaultCostAwareIndexConfig returns the cost-aware defaults.
func DefaultCostAwareIndexConfig() *CostAwareIndexConfig {
	return &CostAwareIndexConfig{Size: "1GiB"}
}

// CostAwareIndex stores the mapping in a ristretto cache whose admission
// and eviction are driven by estimated per-entry byte cost.
type CostAwareIndex struct {
	data *ristretto.Cache[string, *costHolderSet]
	// mu serializes read-modify-write cycles on holder sets.
	mu sync.RWMutex
}

var _ Index = &CostAwareIndex{}

// NewCostAwareIndex creates a CostAwareIndex; nil config gets defaults.
func NewCostAwareIndex(config *CostAwareIndexConfig) (*CostAwareIndex, error) {
	if config == nil {
		config = DefaultCostAwareIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(config.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index size %q: %w", config.Size, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *costHolderSet]{
		NumCounters: costAwareNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: costAwareBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware index: %w", err)
	}
	return &CostAwareIndex{data: cache}, nil
}

// costHolderSet is a concurrent holder set with a byte-cost estimate for
// ristretto's admission policy.
type costHolderSet struct {
	set sync.Map // map[EngineEntry]struct{}
}

func (s *costHolderSet) len() int {
	n := 0
	s.set.Range(func(any, any) bool { n++; return true })
	return n
}

// byteSize approximates the set's resident size for eviction decisions.
func (s *costHolderSet) byteSize(key string) int64 {
	total := int64(len(key)) + 64
	s.set.Range(func(k, _ any) bool {
		entry, ok := k.(EngineEntry)
		if !ok {
			return true
		}
		total += int64(len(entry.EngineID)) + int64(len(entry.Tier)) + 64
		return true
	})
	return total
}

func (s *costHolderSet) engines(filter sets.Set[string]) []string {
	var out []string
	s.set.Range(func(k, _ any) bool {
		if entry, ok := k.(EngineEntry); ok {
			if filter.Len() == 0 || filter.Has(entry.EngineID) {
				out = append(out, entry.EngineID)
			}
		}
		return true
	})
	return out
}

// Lookup returns the engines holding each key, stopping at the first
// missing key.
func (m *CostAwareIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.costaware")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		holders, found := m.data.Get(key.String())
		if !found || holders.len() == 0 {
			traceLogger.Info("prefix chain broken", "key", key.String())
			return enginesPerKey, nil
		}

		engines := holders.engines(engineFilter)
		if len(engines) == 0 {
			return enginesPerKey, nil
		}
		enginesPerKey[key] = engines
	}
	return enginesPerKey, nil
}

// Add records holders for the given keys, re-costing each touched set.
func (m *CostAwareIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.costaware")

	for _, key := range keys {
		keyStr := key.String()
		holders, found := m.data.Get(keyStr)
		if !found {
			holders = &costHolderSet{}
		}
		for _, entry := range entries {
			holders.set.Store(entry, struct{}{})
		}

		cost := holders.byteSize(keyStr)
		m.data.Set(keyStr, holders, cost)
		traceLogger.Info("added holders", "key", keyStr, "costBytes", cost)
	}
	m.data.Wait()
	return nil
}

// Evict removes holders, dropping keys that end up empty.
func (m *CostAwareIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction")
	}
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("distindex.costaware")

	keyStr := key.String()
	holders, found := m.data.Get(keyStr)
	if !found {
		return nil
	}

	before := holders.len()
	for _, entry := range entries {
		holders.set.Delete(entry)
	}

	switch after := holders.len(); {
	case after == 0:
		m.data.Del(keyStr)
		traceLogger.Info("dropped key, no holders remain", "key", keyStr)
	case after != before:
		m.data.Set(keyStr, holders, holders.byteSize(keyStr))
	}
	m.data.Wait()
	return nil
}
