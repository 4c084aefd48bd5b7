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

package scheduler

import (
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
)

// PlannedSequence is one sequence's slice of a step's batch plan.
type PlannedSequence struct {
	RequestID string
	SeqID     int64
	// BlockIDs is the sequence's physical block table for this step.
	BlockIDs []blockpool.BlockID
	// IsPrefill marks a multi-token prompt computation; decode steps
	// compute exactly one position.
	IsPrefill bool
	// FirstPosition is the first token position the executor computes.
	// On prefill this skips positions covered by the prefix cache.
	FirstPosition int
	// NumNewTokens is the number of positions to compute.
	NumNewTokens int
}

// BatchPlan is the scheduler's instruction set for one execution step. The
// executor performs swap-outs, swap-ins, and block copies, in that order,
// before computing the planned sequences.
type BatchPlan struct {
	Sequences []PlannedSequence

	// BlocksToCopy are copy-on-write privatizations.
	BlocksToCopy []manager.CopyOp
	// BlocksToSwapOut maps device blocks to their host destinations.
	BlocksToSwapOut map[blockpool.BlockID]manager.HostBlockID
	// BlocksToSwapIn maps host blocks back to device destinations.
	BlocksToSwapIn map[manager.HostBlockID]blockpool.BlockID

	// NumBatchedTokens is the total positions computed this step.
	NumBatchedTokens int
}

func newBatchPlan() *BatchPlan {
	return &BatchPlan{
		BlocksToSwapOut: make(map[blockpool.BlockID]manager.HostBlockID),
		BlocksToSwapIn:  make(map[manager.HostBlockID]blockpool.BlockID),
	}
}

// IsEmpty reports whether the step has no work at all, including memory
// moves.
func (p *BatchPlan) IsEmpty() bool {
	return len(p.Sequences) == 0 && len(p.BlocksToCopy) == 0 &&
		len(p.BlocksToSwapOut) == 0 && len(p.BlocksToSwapIn) == 0
}

// SequenceResult is the executor's output for one planned sequence.
// Prefill entries for a group with parallel sampling carry one sampled
// token per candidate sequence; decode entries carry exactly one.
type SequenceResult struct {
	SeqID    int64
	Tokens   []int
	Logprobs []float32
}

// ExecutionResult is the executor's response to a batch plan, ordered as
// the plan's sequences.
type ExecutionResult struct {
	Results []SequenceResult
}
