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

package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/llm-d-incubation/paged-engine/pkg/scheduler"
)

// Config assembles an engine instance.
type Config struct {
	// ModelName identifies the served model in events and the
	// distributed index.
	ModelName string `yaml:"modelName"`

	// BlockSize is the token capacity of one KV-cache block.
	BlockSize int `yaml:"blockSize"`
	// NumGPUBlocks sizes the device pool; zero defers to the executor's
	// capacity probe.
	NumGPUBlocks int `yaml:"numGPUBlocks"`
	// NumCPUBlocks sizes the host swap tier; zero defers to the probe.
	NumCPUBlocks int `yaml:"numCPUBlocks"`
	// HashSeed namespaces prefix-cache hashes, aligned with the
	// PYTHONHASHSEED convention.
	HashSeed string `yaml:"hashSeed"`

	MaxNumSeqs          int `yaml:"maxNumSeqs"`
	MaxNumBatchedTokens int `yaml:"maxNumBatchedTokens"`
	// EOSTokenID ends generation when sampled; negative disables.
	EOSTokenID int `yaml:"eosTokenID"`

	// OrderingPolicy is the admission ordering name ("fcfs", "priority").
	OrderingPolicy string `yaml:"orderingPolicy"`
	// PreemptionPolicy is the victim handling name ("swap-preferred",
	// "swap", "recompute").
	PreemptionPolicy string `yaml:"preemptionPolicy"`
}

// DefaultConfig returns engine defaults sized for tests and local runs.
func DefaultConfig() *Config {
	schedDefaults := scheduler.DefaultConfig()
	return &Config{
		ModelName:           "default/model",
		BlockSize:           16,
		HashSeed:            os.Getenv("PYTHONHASHSEED"),
		MaxNumSeqs:          schedDefaults.MaxNumSeqs,
		MaxNumBatchedTokens: schedDefaults.MaxNumBatchedTokens,
		EOSTokenID:          schedDefaults.EOSTokenID,
		OrderingPolicy:      scheduler.FCFSOrderingName,
		PreemptionPolicy:    scheduler.SwapPreferredPreemptionName,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("blockSize must be positive, got %d", c.BlockSize)
	}
	if c.NumGPUBlocks < 0 || c.NumCPUBlocks < 0 {
		return fmt.Errorf("block counts must be non-negative")
	}
	return nil
}

// schedulerConfig resolves the embedded scheduler settings and policy
// names.
func (c *Config) schedulerConfig() (*scheduler.Config, error) {
	ordering, err := scheduler.OrderingPolicyByName(c.OrderingPolicy)
	if err != nil {
		return nil, err
	}
	preemption, err := scheduler.PreemptionPolicyByName(c.PreemptionPolicy)
	if err != nil {
		return nil, err
	}

	return &scheduler.Config{
		MaxNumSeqs:          c.MaxNumSeqs,
		MaxNumBatchedTokens: c.MaxNumBatchedTokens,
		EOSTokenID:          c.EOSTokenID,
		Ordering:            ordering,
		Preemption:          preemption,
	}, nil
}
