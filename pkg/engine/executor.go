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
	"context"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/scheduler"
)

// Executor is the tensor-execution collaborator. It performs the memory
// moves a batch plan carries and computes the planned token positions.
type Executor interface {
	// DetermineCapacity reports how many device and host KV-cache blocks
	// the hardware can hold. Queried once at startup.
	DetermineCapacity(ctx context.Context) (numGPUBlocks, numCPUBlocks int, err error)
	// Execute runs one step. A returned error is fatal for the engine.
	Execute(ctx context.Context, plan *scheduler.BatchPlan) (*scheduler.ExecutionResult, error)
}

// SimExecutorConfig tunes the simulated executor.
type SimExecutorConfig struct {
	NumGPUBlocks int `yaml:"numGPUBlocks"`
	NumCPUBlocks int `yaml:"numCPUBlocks"`
	// VocabSize bounds sampled token ids.
	VocabSize int `yaml:"vocabSize"`
	// EOSTokenID is emitted when the sampling hash lands on an EOS slot.
	EOSTokenID int `yaml:"eosTokenID"`
	// EOSPeriod approximates response length: one in EOSPeriod sampled
	// tokens is EOS. Zero disables EOS emission.
	EOSPeriod int `yaml:"eosPeriod"`
	// TimePerToken simulates model latency per computed position.
	TimePerToken time.Duration `yaml:"timePerToken"`
}

// DefaultSimExecutorConfig returns simulator defaults.
func DefaultSimExecutorConfig() *SimExecutorConfig {
	return &SimExecutorConfig{
		NumGPUBlocks: 1024,
		NumCPUBlocks: 1024,
		VocabSize:    32000,
		EOSTokenID:   2,
		EOSPeriod:    64,
		TimePerToken: 0,
	}
}

// SimExecutor fakes the model: it samples tokens from a hash of the
// sequence id and position, so runs are fully deterministic while still
// producing varied, divergent streams. It performs no real memory moves.
type SimExecutor struct {
	config *SimExecutorConfig
}

// NewSimExecutor creates a simulated executor; nil config gets defaults.
func NewSimExecutor(config *SimExecutorConfig) *SimExecutor {
	if config == nil {
		config = DefaultSimExecutorConfig()
	}
	return &SimExecutor{config: config}
}

var _ Executor = &SimExecutor{}

func (e *SimExecutor) DetermineCapacity(context.Context) (int, int, error) {
	return e.config.NumGPUBlocks, e.config.NumCPUBlocks, nil
}

func (e *SimExecutor) Execute(ctx context.Context, plan *scheduler.BatchPlan) (*scheduler.ExecutionResult, error) {
	if e.config.TimePerToken > 0 && plan.NumBatchedTokens > 0 {
		select {
		case <-time.After(time.Duration(plan.NumBatchedTokens) * e.config.TimePerToken):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &scheduler.ExecutionResult{}
	for _, ps := range plan.Sequences {
		lastPos := ps.FirstPosition + ps.NumNewTokens - 1
		result.Results = append(result.Results, scheduler.SequenceResult{
			SeqID:  ps.SeqID,
			Tokens: []int{e.sample(ps.SeqID, lastPos)},
		})
	}
	return result, nil
}

func (e *SimExecutor) sample(seqID int64, position int) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(seqID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(position))
	h := xxhash.Sum64(buf[:])

	if e.config.EOSPeriod > 0 && h%uint64(e.config.EOSPeriod) == 0 {
		return e.config.EOSTokenID
	}
	tok := int(h % uint64(e.config.VocabSize))
	if tok == e.config.EOSTokenID {
		tok++
	}
	return tok
}
