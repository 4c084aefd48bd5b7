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

package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/prefixindex"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/tokenhash"
	"github.com/llm-d-incubation/paged-engine/pkg/scheduler"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
)

const testBlockSize = 4

type fixture struct {
	sched *scheduler.Scheduler
	mgr   *manager.Manager

	nextSeqID int64
	nextToken int
}

func newFixture(t *testing.T, numBlocks, numHostBlocks int,
	mutate func(*scheduler.Config),
) *fixture {
	t.Helper()

	pool, err := blockpool.New(numBlocks, testBlockSize)
	require.NoError(t, err)
	hasher, err := tokenhash.NewChainedHasher(&tokenhash.Config{BlockSize: testBlockSize})
	require.NoError(t, err)
	mgr := manager.New(pool, prefixindex.NewInMemoryIndex(), hasher, numHostBlocks, nil)

	cfg := scheduler.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	sched, err := scheduler.New(cfg, mgr)
	require.NoError(t, err)

	return &fixture{sched: sched, mgr: mgr, nextToken: 1000}
}

func (f *fixture) submit(requestID string, prompt []int, arrival int64,
	params sequence.SamplingParams,
) *sequence.Group {
	f.nextSeqID++
	seq := sequence.New(f.nextSeqID, prompt)
	g := sequence.NewGroup(requestID, prompt, params, arrival, seq)
	f.sched.Add(g)
	return g
}

// step schedules one iteration and feeds back a fresh sampled token for
// every planned sequence.
func (f *fixture) step(t *testing.T) (*scheduler.BatchPlan, []*sequence.Group) {
	t.Helper()
	ctx := context.Background()

	plan, finished := f.sched.Schedule(ctx)
	if len(plan.Sequences) == 0 {
		return plan, finished
	}

	var res scheduler.ExecutionResult
	for _, ps := range plan.Sequences {
		f.nextToken++
		res.Results = append(res.Results, scheduler.SequenceResult{
			SeqID:  ps.SeqID,
			Tokens: []int{f.nextToken},
		})
	}

	done, err := f.sched.ProcessResults(ctx, plan, &res)
	require.NoError(t, err)
	return plan, append(finished, done...)
}

// submitPair enqueues a group with two parallel candidate sequences over the
// same prompt.
func (f *fixture) submitPair(requestID string, prompt []int, arrival int64,
	params sequence.SamplingParams,
) *sequence.Group {
	params.N = 2
	f.nextSeqID++
	a := sequence.New(f.nextSeqID, prompt)
	f.nextSeqID++
	b := sequence.New(f.nextSeqID, prompt)
	g := sequence.NewGroup(requestID, prompt, params, arrival, a, b)
	f.sched.Add(g)
	return g
}

// assertNoSwapAliasing fails if any sequence planned for computation this
// step references a block the same plan swaps out.
func assertNoSwapAliasing(t *testing.T, plan *scheduler.BatchPlan) {
	t.Helper()
	for _, ps := range plan.Sequences {
		for _, id := range ps.BlockIDs {
			_, swappedOut := plan.BlocksToSwapOut[id]
			assert.False(t, swappedOut,
				"sequence %d computes into block %d which is being swapped out", ps.SeqID, id)
		}
	}
}

func tokens(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestAdmissionAndDecode(t *testing.T) {
	f := newFixture(t, 8, 0, nil)

	g := f.submit("r1", tokens(6), 0, sequence.DefaultSamplingParams())
	plan, _ := f.step(t)

	require.Len(t, plan.Sequences, 1)
	assert.True(t, plan.Sequences[0].IsPrefill)
	assert.Equal(t, 6, plan.Sequences[0].NumNewTokens)
	assert.Equal(t, 0, plan.Sequences[0].FirstPosition)
	assert.Equal(t, sequence.StatusRunning, g.Status)

	plan, _ = f.step(t)
	require.Len(t, plan.Sequences, 1)
	assert.False(t, plan.Sequences[0].IsPrefill)
	assert.Equal(t, 1, plan.Sequences[0].NumNewTokens)
	assert.Equal(t, 6, plan.Sequences[0].FirstPosition)
}

func TestPrefixReuseSecondRequest(t *testing.T) {
	f := newFixture(t, 8, 0, nil)

	prompt := tokens(8) // 2 full blocks
	f.submit("r1", prompt, 0, sequence.DefaultSamplingParams())
	f.step(t)

	// Identical prompt while r1 runs: only the last position is computed,
	// the rest comes from the prefix cache.
	f.submit("r2", prompt, 1, sequence.DefaultSamplingParams())
	plan, _ := f.step(t)

	var prefill *scheduler.PlannedSequence
	for i := range plan.Sequences {
		if plan.Sequences[i].IsPrefill {
			prefill = &plan.Sequences[i]
		}
	}
	require.NotNil(t, prefill)
	assert.Equal(t, "r2", prefill.RequestID)
	assert.Equal(t, 7, prefill.FirstPosition)
	assert.Equal(t, 1, prefill.NumNewTokens)
}

func TestAdmissionFIFOOrder(t *testing.T) {
	f := newFixture(t, 16, 0, nil)

	f.submit("r2", tokens(4), 2, sequence.DefaultSamplingParams())
	f.submit("r1", tokens(4), 1, sequence.DefaultSamplingParams())
	f.submit("r3", tokens(4), 3, sequence.DefaultSamplingParams())

	plan, _ := f.step(t)
	require.Len(t, plan.Sequences, 3)
	assert.Equal(t, "r1", plan.Sequences[0].RequestID)
	assert.Equal(t, "r2", plan.Sequences[1].RequestID)
	assert.Equal(t, "r3", plan.Sequences[2].RequestID)
}

func TestPriorityOrderingAdmitsHighestFirst(t *testing.T) {
	f := newFixture(t, 4, 0, func(c *scheduler.Config) {
		c.Ordering = scheduler.PriorityOrdering{}
		c.MaxNumSeqs = 1
	})

	low := f.submit("low", tokens(4), 0, sequence.DefaultSamplingParams())
	high := f.submit("high", tokens(4), 1, sequence.DefaultSamplingParams())
	low.Priority = 0
	high.Priority = 10

	plan, _ := f.step(t)
	require.Len(t, plan.Sequences, 1)
	assert.Equal(t, "high", plan.Sequences[0].RequestID)
}

func TestSeqBudgetDefersAdmission(t *testing.T) {
	f := newFixture(t, 16, 0, func(c *scheduler.Config) {
		c.MaxNumSeqs = 2
	})

	for _, id := range []string{"r1", "r2", "r3"} {
		f.submit(id, tokens(4), 0, sequence.DefaultSamplingParams())
	}

	f.step(t)
	assert.Equal(t, 2, f.sched.NumRunning())
	assert.Equal(t, 1, f.sched.NumWaiting())
}

func TestPromptTooLongRejected(t *testing.T) {
	f := newFixture(t, 2, 0, nil)

	g := f.submit("huge", tokens(20), 0, sequence.DefaultSamplingParams()) // 5 blocks > 2
	_, finished := f.step(t)

	require.Len(t, finished, 1)
	assert.Equal(t, "huge", finished[0].RequestID)
	assert.Equal(t, sequence.FinishPromptTooLong, g.Seqs[0].FinishReason())
	assert.False(t, f.sched.HasUnfinished())
}

func TestDeferralKeepsWaitingOrder(t *testing.T) {
	f := newFixture(t, 4, 0, nil)

	// r1 takes 3 blocks and keeps running; r2 needs 2 and must wait.
	f.submit("r1", tokens(12), 0, sequence.DefaultSamplingParams())
	f.step(t)
	f.submit("r2", append([]int{500}, tokens(5)...), 1, sequence.DefaultSamplingParams())

	f.step(t)
	assert.Equal(t, 1, f.sched.NumWaiting())
	assert.Equal(t, 1, f.sched.NumRunning())
}

func TestRecomputePreemptionUnderPressure(t *testing.T) {
	f := newFixture(t, 4, 0, func(c *scheduler.Config) {
		c.Preemption = scheduler.RecomputePreemption{}
	})

	// Two groups fill the pool; continued decoding forces the younger one
	// out.
	g1 := f.submit("r1", tokens(8), 0, sequence.DefaultSamplingParams())
	g2 := f.submit("r2", append([]int{500}, tokens(7)...), 1, sequence.DefaultSamplingParams())
	f.step(t)
	require.Equal(t, 2, f.sched.NumRunning())

	// Both need a new block at the next boundary; only r1 can get one.
	for f.sched.NumRunning() == 2 {
		f.step(t)
	}

	assert.Equal(t, sequence.StatusRunning, g1.Status)
	assert.Equal(t, sequence.StatusWaiting, g2.Status)
	assert.Equal(t, 1, f.sched.NumWaiting())
	// Recompute released every device block g2 held.
	assert.Empty(t, f.mgr.BlockTable(g2.Seqs[0].ID()))
}

func TestSwapPreemptionRoundTrip(t *testing.T) {
	f := newFixture(t, 4, 8, func(c *scheduler.Config) {
		c.Preemption = scheduler.SwapPreemption{}
	})

	g1 := f.submit("r1", tokens(8), 0, sequence.DefaultSamplingParams())
	g2 := f.submit("r2", append([]int{500}, tokens(7)...), 1, sequence.DefaultSamplingParams())
	f.step(t)

	var sawSwapOut bool
	for f.sched.NumSwapped() == 0 {
		plan, _ := f.step(t)
		sawSwapOut = sawSwapOut || len(plan.BlocksToSwapOut) > 0
	}
	assert.True(t, sawSwapOut)
	assert.Equal(t, sequence.StatusSwapped, g2.Status)

	// Finishing r1 frees the device; r2 swaps back in and resumes.
	f.sched.Abort(g1.RequestID)
	plan, _ := f.step(t)
	assert.NotEmpty(t, plan.BlocksToSwapIn)
	assert.Equal(t, sequence.StatusRunning, g2.Status)
	assert.Equal(t, 0, f.sched.NumSwapped())
}

func TestParallelGroupDecodesAtomicallyUnderPressure(t *testing.T) {
	f := newFixture(t, 4, 8, func(c *scheduler.Config) {
		c.Preemption = scheduler.SwapPreemption{}
	})

	soloParams := sequence.DefaultSamplingParams()
	soloParams.MaxTokens = 4
	solo := f.submit("solo", tokens(8), 0, soloParams)

	pairParams := sequence.DefaultSamplingParams()
	pairParams.MaxTokens = 3
	pair := f.submitPair("pair", append([]int{500}, tokens(7)...), 1, pairParams)

	// Both prompts fill the pool; the pair group is preempted whole, waits
	// out the pressure on the host tier, and returns once solo finishes.
	// Nothing along the way may surface the pressure as an error.
	for i := 0; i < 12 && f.sched.HasUnfinished(); i++ {
		plan, _ := f.step(t)
		assertNoSwapAliasing(t, plan)
		for _, g := range []*sequence.Group{solo, pair} {
			for _, seq := range g.Seqs {
				assert.NotEqual(t, sequence.FinishError, seq.FinishReason())
			}
		}
	}

	require.False(t, f.sched.HasUnfinished())
	assert.Equal(t, sequence.FinishLength, solo.Seqs[0].FinishReason())
	for _, seq := range pair.Seqs {
		assert.Equal(t, sequence.FinishLength, seq.FinishReason())
		assert.Equal(t, 3, seq.NumCompletionTokens())
	}
}

func TestParallelGroupSurvivesPermanentPressure(t *testing.T) {
	// Three device blocks can never hold the four a diverged pair needs, so
	// the group oscillates between RUNNING and SWAPPED indefinitely. The
	// shortage is memory pressure, not a failure, and must never finish the
	// group with an error or leak plan entries for a preempted group.
	f := newFixture(t, 3, 8, func(c *scheduler.Config) {
		c.Preemption = scheduler.SwapPreemption{}
	})

	pair := f.submitPair("pair", tokens(8), 0, sequence.DefaultSamplingParams())

	for i := 0; i < 8; i++ {
		plan, finished := f.step(t)
		assertNoSwapAliasing(t, plan)
		assert.Empty(t, finished)
	}

	assert.True(t, f.sched.HasUnfinished())
	for _, seq := range pair.Seqs {
		assert.False(t, seq.IsFinished())
	}
	assert.Contains(t, []sequence.Status{sequence.StatusRunning, sequence.StatusSwapped},
		pair.Status)
}

func TestAbortMidDecodeFreesAndKeepsCache(t *testing.T) {
	f := newFixture(t, 4, 0, nil)

	prompt := tokens(8)
	g1 := f.submit("r1", prompt, 0, sequence.DefaultSamplingParams())
	f.step(t)
	f.step(t)

	f.sched.Abort("r1")
	_, finished := f.step(t)
	require.Len(t, finished, 1)
	assert.Equal(t, sequence.FinishAborted, g1.Seqs[0].FinishReason())
	assert.False(t, f.sched.HasUnfinished())

	// The aborted request's computed blocks stay cached: an identical
	// prompt still reuses them.
	f.submit("r2", prompt, 5, sequence.DefaultSamplingParams())
	plan, _ := f.step(t)
	require.Len(t, plan.Sequences, 1)
	assert.Equal(t, 7, plan.Sequences[0].FirstPosition)
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t, 4, 0, nil)

	f.submit("r1", tokens(4), 0, sequence.DefaultSamplingParams())
	f.sched.Abort("r1")
	f.sched.Abort("r1")
	f.sched.Abort("unknown")

	_, finished := f.step(t)
	assert.Len(t, finished, 1)
	assert.False(t, f.sched.HasUnfinished())
}

func TestStopTokenFinishesSequence(t *testing.T) {
	f := newFixture(t, 8, 0, nil)

	params := sequence.DefaultSamplingParams()
	params.StopTokenIDs = []int{7777}
	g := f.submit("r1", tokens(4), 0, params)

	ctx := context.Background()
	plan, _ := f.sched.Schedule(ctx)
	require.Len(t, plan.Sequences, 1)

	res := &scheduler.ExecutionResult{Results: []scheduler.SequenceResult{
		{SeqID: plan.Sequences[0].SeqID, Tokens: []int{7777}},
	}}
	finished, err := f.sched.ProcessResults(ctx, plan, res)
	require.NoError(t, err)

	require.Len(t, finished, 1)
	assert.Equal(t, sequence.FinishStopToken, g.Seqs[0].FinishReason())
}

func TestEOSRespectsIgnoreFlag(t *testing.T) {
	f := newFixture(t, 8, 0, func(c *scheduler.Config) {
		c.EOSTokenID = 2
	})

	params := sequence.DefaultSamplingParams()
	params.IgnoreEOS = true
	g := f.submit("r1", tokens(4), 0, params)

	ctx := context.Background()
	plan, _ := f.sched.Schedule(ctx)
	res := &scheduler.ExecutionResult{Results: []scheduler.SequenceResult{
		{SeqID: plan.Sequences[0].SeqID, Tokens: []int{2}},
	}}
	finished, err := f.sched.ProcessResults(ctx, plan, res)
	require.NoError(t, err)

	assert.Empty(t, finished)
	assert.False(t, g.Seqs[0].IsFinished())
}

func TestMaxTokensFinishesWithLength(t *testing.T) {
	f := newFixture(t, 8, 0, nil)

	params := sequence.DefaultSamplingParams()
	params.MaxTokens = 3
	g := f.submit("r1", tokens(4), 0, params)

	var finished []*sequence.Group
	for f.sched.HasUnfinished() {
		_, done := f.step(t)
		finished = append(finished, done...)
	}

	require.Len(t, finished, 1)
	assert.Equal(t, sequence.FinishLength, g.Seqs[0].FinishReason())
	assert.Equal(t, 3, g.Seqs[0].NumCompletionTokens())
}

func TestFailAllOnExecutorFailure(t *testing.T) {
	f := newFixture(t, 8, 8, nil)

	f.submit("r1", tokens(4), 0, sequence.DefaultSamplingParams())
	f.submit("r2", tokens(4), 1, sequence.DefaultSamplingParams())
	f.step(t)

	failed := f.sched.FailAll(context.Background())
	assert.Len(t, failed, 2)
	assert.False(t, f.sched.HasUnfinished())
	for _, g := range failed {
		assert.Equal(t, sequence.FinishError, g.Seqs[0].FinishReason())
	}
}

func TestScheduleIsDeterministic(t *testing.T) {
	run := func() []string {
		f := newFixture(t, 6, 0, nil)
		f.submit("a", tokens(8), 0, sequence.DefaultSamplingParams())
		f.submit("b", tokens(8), 1, sequence.DefaultSamplingParams())
		f.submit("c", append([]int{500}, tokens(7)...), 2, sequence.DefaultSamplingParams())

		var order []string
		for i := 0; i < 5; i++ {
			plan, _ := f.step(t)
			for _, ps := range plan.Sequences {
				order = append(order, ps.RequestID)
			}
		}
		return order
	}

	assert.Equal(t, run(), run())
}
