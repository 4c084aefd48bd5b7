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

// Package distindex tracks which engine instances hold which KV-cache
// blocks. Engines publish block stored/removed events; routers consume the
// index to steer requests toward engines that already hold the prompt's
// prefix.
package distindex

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
)

// Key identifies one KV-cache block across engine instances.
type Key struct {
	ModelName string
	BlockHash uint64
}

// String renders the key in its wire form.
func (k *Key) String() string {
	return fmt.Sprintf("%s@%d", k.ModelName, k.BlockHash)
}

// EngineEntry records one engine holding a block on a device tier.
type EngineEntry struct {
	// EngineID uniquely identifies the engine instance.
	EngineID string
	// Tier is the device tier holding the block ("gpu", "cpu").
	Tier string
}

// String renders the entry in its wire form.
func (e *EngineEntry) String() string {
	return fmt.Sprintf("%s@%s", e.EngineID, e.Tier)
}

// Index is a backend aggregating the cluster-wide block-to-engine mapping.
// Lookups return the engines holding each key, stopping at the first key
// with no holders since a broken chain ends the usable prefix.
// All operations are safe for concurrent use.
type Index interface {
	// Lookup returns the engines holding each key, filtered to
	// engineFilter when non-empty.
	Lookup(ctx context.Context, keys []Key, engineFilter sets.Set[string]) (map[Key][]string, error)
	// Add records that the given engines hold the given blocks.
	Add(ctx context.Context, keys []Key, entries []EngineEntry) error
	// Evict removes the given engines from a block's holder set.
	Evict(ctx context.Context, key Key, entries []EngineEntry) error
}

// Config selects and configures an index backend. When several backends
// are configured the first non-nil one wins.
type Config struct {
	InMemoryConfig  *InMemoryIndexConfig  `yaml:"inMemoryConfig"`
	CostAwareConfig *CostAwareIndexConfig `yaml:"costAwareConfig"`
	RedisConfig     *RedisIndexConfig     `yaml:"redisConfig"`

	// EnableMetrics wraps the backend with lookup/hit counters.
	EnableMetrics bool `yaml:"enableMetrics"`
	// MetricsLoggingInterval enables the periodic metrics log line; zero
	// disables it. Requires EnableMetrics.
	MetricsLoggingInterval time.Duration `yaml:"metricsLoggingInterval"`
}

// DefaultConfig returns an in-memory index configuration.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
	}
}

// NewIndex creates the configured index backend.
func NewIndex(ctx context.Context, config *Config) (Index, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var index Index
	var err error
	switch {
	case config.InMemoryConfig != nil:
		index, err = NewInMemoryIndex(config.InMemoryConfig)
	case config.CostAwareConfig != nil:
		index, err = NewCostAwareIndex(config.CostAwareConfig)
	case config.RedisConfig != nil:
		index, err = NewRedisIndex(config.RedisConfig)
	default:
		return nil, fmt.Errorf("no index backend configured")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create index backend: %w", err)
	}

	if config.EnableMetrics {
		index = NewInstrumentedIndex(index)
		metrics.Register()
		if config.MetricsLoggingInterval > 0 {
			metrics.StartMetricsLogging(ctx, config.MetricsLoggingInterval)
		}
	}
	return index, nil
}
