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

package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/paged-engine/pkg/engine"
	"github.com/llm-d-incubation/paged-engine/pkg/scheduler"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
)

func newTestEngine(t *testing.T, mutate func(*engine.Config)) *engine.Engine {
	t.Helper()

	config := engine.DefaultConfig()
	config.BlockSize = 4
	config.NumGPUBlocks = 64
	config.NumCPUBlocks = 64
	config.EOSTokenID = 2
	if mutate != nil {
		mutate(config)
	}

	sim := engine.NewSimExecutor(&engine.SimExecutorConfig{
		NumGPUBlocks: config.NumGPUBlocks,
		NumCPUBlocks: config.NumCPUBlocks,
		VocabSize:    1000,
		EOSTokenID:   2,
		EOSPeriod:    16,
	})

	e, err := engine.New(context.Background(), config, sim, nil)
	require.NoError(t, err)
	return e
}

func params(maxTokens int) sequence.SamplingParams {
	p := sequence.DefaultSamplingParams()
	p.MaxTokens = maxTokens
	return p
}

func drain(t *testing.T, e *engine.Engine, maxSteps int) map[string]engine.RequestOutput {
	t.Helper()
	ctx := context.Background()

	finals := make(map[string]engine.RequestOutput)
	for i := 0; i < maxSteps && e.HasUnfinishedRequests(); i++ {
		outputs, err := e.Step(ctx)
		require.NoError(t, err)
		for _, out := range outputs {
			if out.Finished {
				finals[out.RequestID] = out
			}
		}
	}
	require.False(t, e.HasUnfinishedRequests(), "engine did not drain in %d steps", maxSteps)
	return finals
}

func TestGenerateToCompletion(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "r1", []int{1, 2, 3, 4, 5}, params(8)))
	finals := drain(t, e, 50)

	out, ok := finals["r1"]
	require.True(t, ok)
	require.Len(t, out.Outputs, 1)
	assert.NotEmpty(t, out.Outputs[0].TokenIDs)
	assert.LessOrEqual(t, len(out.Outputs[0].TokenIDs), 8)
	assert.Contains(t, []string{"length", "stop"}, out.Outputs[0].FinishReason)
}

func TestIncrementalOutputsArriveEachStep(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "r1", []int{1, 2, 3}, params(4)))

	outputs, err := e.Step(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, outputs)
	assert.False(t, outputs[0].Finished)
	require.Len(t, outputs[0].Outputs, 1)
	assert.Len(t, outputs[0].Outputs[0].TokenIDs, 1)
}

func TestParallelSamplingProducesNCandidates(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p := params(6)
	p.N = 3
	require.NoError(t, e.Submit(ctx, "r1", []int{1, 2, 3, 4, 5, 6}, p))
	finals := drain(t, e, 50)

	out, ok := finals["r1"]
	require.True(t, ok)
	assert.Len(t, out.Outputs, 3)
	for _, cand := range out.Outputs {
		assert.NotEmpty(t, cand.TokenIDs)
	}
}

func TestManyConcurrentRequestsDrain(t *testing.T) {
	e := newTestEngine(t, func(c *engine.Config) {
		c.NumGPUBlocks = 16
		c.NumCPUBlocks = 32
		c.MaxNumSeqs = 4
	})
	ctx := context.Background()

	prompts := [][]int{
		{1, 2, 3, 4, 5, 6},
		{1, 2, 3, 4, 5, 6}, // shares r0's prefix
		{9, 8, 7, 6, 5},
		{42},
		{5, 5, 5, 5, 5, 5, 5, 5, 5},
		{11, 12, 13},
	}
	for i, prompt := range prompts {
		require.NoError(t, e.Submit(ctx, reqID(i), prompt, params(6)))
	}

	finals := drain(t, e, 400)
	assert.Len(t, finals, len(prompts))
}

func reqID(i int) string { return string(rune('a' + i)) }

func TestAbortReturnsFinalOutput(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "r1", []int{1, 2, 3, 4}, params(100)))
	_, err := e.Step(ctx)
	require.NoError(t, err)

	e.Abort("r1")
	outputs, err := e.Step(ctx)
	require.NoError(t, err)

	require.NotEmpty(t, outputs)
	assert.True(t, outputs[0].Finished)
	assert.Equal(t, "abort", outputs[0].Outputs[0].FinishReason)
	assert.False(t, e.HasUnfinishedRequests())
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "r1", []int{1}, params(4)))
	err := e.Submit(ctx, "r1", []int{2}, params(4))
	assert.ErrorIs(t, err, engine.ErrDuplicateRequest)
}

func TestEmptyPromptRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Error(t, e.Submit(context.Background(), "r1", nil, params(4)))
}

func TestCapacityProbeSizesPool(t *testing.T) {
	config := engine.DefaultConfig()
	config.BlockSize = 4
	config.NumGPUBlocks = 0 // force probe

	sim := engine.NewSimExecutor(&engine.SimExecutorConfig{
		NumGPUBlocks: 8, NumCPUBlocks: 4, VocabSize: 100, EOSTokenID: 2,
	})
	e, err := engine.New(context.Background(), config, sim, nil)
	require.NoError(t, err)

	// A prompt needing more than the probed 8 blocks is rejected outright.
	long := make([]int, 9*4)
	err = e.Submit(context.Background(), "big", long, params(4))
	assert.ErrorIs(t, err, scheduler.ErrPromptTooLong)
}

func TestOversizedPromptRejectedAtSubmit(t *testing.T) {
	e := newTestEngine(t, func(c *engine.Config) {
		c.MaxNumBatchedTokens = 16
	})
	ctx := context.Background()

	err := e.Submit(ctx, "big", make([]int, 17), params(4))
	assert.ErrorIs(t, err, scheduler.ErrPromptTooLong)
	assert.False(t, e.HasUnfinishedRequests())

	// A prompt at the limit is accepted and runs to completion.
	require.NoError(t, e.Submit(ctx, "fits", make([]int, 16), params(2)))
	finals := drain(t, e, 50)
	out, ok := finals["fits"]
	require.True(t, ok)
	assert.NotEqual(t, "error", out.Outputs[0].FinishReason)
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, *scheduler.BatchPlan) (*scheduler.ExecutionResult, error) {
	return nil, errors.New("device lost")
}

func (failingExecutor) DetermineCapacity(context.Context) (int, int, error) { return 8, 8, nil }

func TestExecutorFailureIsFatal(t *testing.T) {
	config := engine.DefaultConfig()
	config.BlockSize = 4
	config.NumGPUBlocks = 8

	e, err := engine.New(context.Background(), config, failingExecutor{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "r1", []int{1, 2, 3}, params(4)))
	outputs, err := e.Step(ctx)
	require.ErrorIs(t, err, engine.ErrEngineFailed)

	// The in-flight request is reported finished with an error.
	require.NotEmpty(t, outputs)
	assert.True(t, outputs[0].Finished)
	assert.Equal(t, "error", outputs[0].Outputs[0].FinishReason)

	// Everything afterwards is rejected.
	_, err = e.Step(ctx)
	assert.ErrorIs(t, err, engine.ErrEngineFailed)
	assert.ErrorIs(t, e.Submit(ctx, "r2", []int{1}, params(4)), engine.ErrEngineFailed)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	run := func() []int {
		e := newTestEngine(t, nil)
		ctx := context.Background()
		require.NoError(t, e.Submit(ctx, "r1", []int{3, 1, 4, 1, 5}, params(10)))
		finals := drain(t, e, 60)
		return finals["r1"].Outputs[0].TokenIDs
	}

	assert.Equal(t, run(), run())
}
