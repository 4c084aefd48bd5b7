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

// Package engine ties the block space manager, the scheduler, and the
// executor into the serving loop the request-handling layer drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/prefixindex"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/tokenhash"
	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
	"github.com/llm-d-incubation/paged-engine/pkg/scheduler"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

var (
	// ErrEngineFailed rejects all calls after an executor failure; shared
	// device state cannot be trusted for recovery.
	ErrEngineFailed = errors.New("engine failed, no recovery attempted")
	// ErrDuplicateRequest rejects a submit reusing a live request id.
	ErrDuplicateRequest = errors.New("request id already in flight")
)

// CandidateOutput is one candidate sequence's generation state.
type CandidateOutput struct {
	SeqID        int64
	TokenIDs     []int
	FinishReason string
}

// RequestOutput is one request's slice of a step's results: incremental
// while running, full completions once finished.
type RequestOutput struct {
	RequestID string
	Finished  bool
	Outputs   []CandidateOutput
}

// Engine is one serving instance. Safe for concurrent Submit/Abort; Step
// must be driven by a single loop.
type Engine struct {
	mu sync.Mutex

	config   *Config
	mgr      *manager.Manager
	sched    *scheduler.Scheduler
	executor Executor

	live      sets.Set[string]
	nextSeqID int64
	arrivals  int64
	failed    bool
}

// New builds an engine. The pool sizes come from the config, falling back
// to the executor's capacity probe; events may be nil.
func New(ctx context.Context, config *Config, executor Executor, events manager.EventSink) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	logger := klog.FromContext(ctx).WithName("engine")

	numGPU, numCPU := config.NumGPUBlocks, config.NumCPUBlocks
	if numGPU == 0 {
		var err error
		numGPU, numCPU, err = executor.DetermineCapacity(ctx)
		if err != nil {
			return nil, fmt.Errorf("capacity probe failed: %w", err)
		}
		logger.Info("probed executor capacity", "gpuBlocks", numGPU, "cpuBlocks", numCPU)
	}

	pool, err := blockpool.New(numGPU, config.BlockSize)
	if err != nil {
		return nil, err
	}
	hasher, err := tokenhash.NewChainedHasher(&tokenhash.Config{
		BlockSize: config.BlockSize,
		HashSeed:  config.HashSeed,
	})
	if err != nil {
		return nil, err
	}
	index := prefixindex.NewInstrumentedIndex(prefixindex.NewInMemoryIndex())
	mgr := manager.New(pool, index, hasher, numCPU, events)

	schedConfig, err := config.schedulerConfig()
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedConfig, mgr)
	if err != nil {
		return nil, err
	}

	metrics.Register()
	logger.Info("engine ready", "model", config.ModelName,
		"blockSize", config.BlockSize, "gpuBlocks", numGPU, "cpuBlocks", numCPU)

	return &Engine{
		config:   config,
		mgr:      mgr,
		sched:    sched,
		executor: executor,
		live:     sets.New[string](),
	}, nil
}

// Submit enqueues a new request. Parallel sampling creates one candidate
// sequence per params.N, all sharing the prompt's blocks until they
// diverge.
func (e *Engine) Submit(ctx context.Context, requestID string, prompt []int,
	params sequence.SamplingParams,
) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if len(prompt) == 0 {
		return errors.New("prompt must not be empty")
	}
	if len(prompt) > e.config.MaxNumBatchedTokens ||
		len(prompt) > e.mgr.Pool().NumTotal()*e.config.BlockSize {
		return fmt.Errorf("%w: %d tokens", scheduler.ErrPromptTooLong, len(prompt))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return ErrEngineFailed
	}
	if e.live.Has(requestID) {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	seqs := make([]*sequence.Sequence, params.N)
	for i := range seqs {
		e.nextSeqID++
		seqs[i] = sequence.New(e.nextSeqID, prompt)
	}
	e.arrivals++
	g := sequence.NewGroup(requestID, prompt, params, e.arrivals, seqs...)

	e.sched.Add(g)
	e.live.Insert(requestID)

	klog.FromContext(ctx).V(logging.DEBUG).Info("submitted request",
		"request", requestID, "promptTokens", len(prompt), "candidates", params.N)
	return nil
}

// Abort terminates a request at the next step boundary. Idempotent.
func (e *Engine) Abort(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched.Abort(requestID)
}

// HasUnfinishedRequests reports whether another Step has work to do.
func (e *Engine) HasUnfinishedRequests() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.HasUnfinished()
}

// Step runs one generation iteration: schedule, execute, apply results.
// Returns incremental outputs for sequences that sampled a token this step
// and final outputs for requests that finished.
func (e *Engine) Step(ctx context.Context) ([]RequestOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return nil, ErrEngineFailed
	}

	plan, early := e.sched.Schedule(ctx)
	outputs := make([]RequestOutput, 0, len(early))
	for _, g := range early {
		outputs = append(outputs, e.finalOutput(g))
	}
	if plan.IsEmpty() {
		return outputs, nil
	}

	start := time.Now()
	result, err := e.executor.Execute(ctx, plan)
	if err != nil {
		e.failed = true
		for _, g := range e.sched.FailAll(ctx) {
			outputs = append(outputs, e.finalOutput(g))
		}
		return outputs, fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	metrics.StepLatency.Observe(time.Since(start).Seconds())

	done, err := e.sched.ProcessResults(ctx, plan, result)
	if err != nil {
		return outputs, err
	}

	finished := sets.New[string]()
	for _, g := range done {
		outputs = append(outputs, e.finalOutput(g))
		finished.Insert(g.RequestID)
	}
	outputs = append(outputs, incrementalOutputs(plan, result, finished)...)
	return outputs, nil
}

// finalOutput snapshots a finished request's full completions.
func (e *Engine) finalOutput(g *sequence.Group) RequestOutput {
	out := RequestOutput{RequestID: g.RequestID, Finished: true}
	for _, seq := range g.Seqs {
		out.Outputs = append(out.Outputs, CandidateOutput{
			SeqID:        seq.ID(),
			TokenIDs:     seq.CompletionTokenIDs(),
			FinishReason: seq.FinishReason().String(),
		})
	}
	e.live.Delete(g.RequestID)
	return out
}

// incrementalOutputs reports this step's sampled tokens for requests still
// in flight, keyed by the plan's deterministic order.
func incrementalOutputs(plan *scheduler.BatchPlan, result *scheduler.ExecutionResult,
	finished sets.Set[string],
) []RequestOutput {
	bySeq := make(map[int64][]int, len(result.Results))
	for _, r := range result.Results {
		bySeq[r.SeqID] = r.Tokens
	}

	var outputs []RequestOutput
	byRequest := make(map[string]int)
	for _, ps := range plan.Sequences {
		if finished.Has(ps.RequestID) {
			continue
		}
		tokens, ok := bySeq[ps.SeqID]
		if !ok {
			continue
		}

		idx, ok := byRequest[ps.RequestID]
		if !ok {
			idx = len(outputs)
			byRequest[ps.RequestID] = idx
			outputs = append(outputs, RequestOutput{RequestID: ps.RequestID})
		}
		outputs[idx].Outputs = append(outputs[idx].Outputs, CandidateOutput{
			SeqID:    ps.SeqID,
			TokenIDs: tokens,
		})
	}
	return outputs
}
