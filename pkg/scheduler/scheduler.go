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

// Package scheduler implements continuous batching: every step it re-forms
// the execution batch from the waiting, running, and swapped queues,
// preempting under memory pressure and emitting a batch plan for the
// executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

// ErrPromptTooLong rejects a request whose prompt can never fit the pool
// or the per-step token budget.
var ErrPromptTooLong = errors.New("prompt exceeds deployment capacity")

// Config holds the scheduler's batching limits and policies.
type Config struct {
	// MaxNumSeqs caps concurrently running sequences.
	MaxNumSeqs int `json:"maxNumSeqs"`
	// MaxNumBatchedTokens caps token positions computed per step.
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens"`
	// EOSTokenID ends generation when sampled; negative disables.
	EOSTokenID int `json:"eosTokenID"`

	Ordering   OrderingPolicy   `json:"-"`
	Preemption PreemptionPolicy `json:"-"`
}

// DefaultConfig returns the scheduler defaults: FCFS admission and
// swap-preferred preemption.
func DefaultConfig() *Config {
	return &Config{
		MaxNumSeqs:          256,
		MaxNumBatchedTokens: 2048,
		EOSTokenID:          -1,
		Ordering:            FCFSOrdering{},
		Preemption:          SwapPreferredPreemption{},
	}
}

func (c *Config) validate() error {
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("maxNumSeqs must be positive, got %d", c.MaxNumSeqs)
	}
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("maxNumBatchedTokens must be positive, got %d", c.MaxNumBatchedTokens)
	}
	return nil
}

// Scheduler drives the WAITING -> RUNNING <-> SWAPPED -> FINISHED state
// machine. Single-writer: all methods are called from one scheduling
// goroutine.
type Scheduler struct {
	config *Config
	mgr    *manager.Manager

	waiting []*sequence.Group
	running []*sequence.Group
	swapped []*sequence.Group

	// groups indexes every live group by request id; seqGroups routes
	// executor results back to their group.
	groups    map[string]*sequence.Group
	seqGroups map[int64]*sequence.Group

	// aborts collects ids to finish at the top of the next step.
	aborts sets.Set[string]
}

// New creates a Scheduler over the given block space manager. A nil config
// gets defaults.
func New(config *Config, mgr *manager.Manager) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Ordering == nil {
		config.Ordering = FCFSOrdering{}
	}
	if config.Preemption == nil {
		config.Preemption = SwapPreferredPreemption{}
	}

	return &Scheduler{
		config:    config,
		mgr:       mgr,
		groups:    make(map[string]*sequence.Group),
		seqGroups: make(map[int64]*sequence.Group),
		aborts:    sets.New[string](),
	}, nil
}

// Add enqueues a new group in WAITING.
func (s *Scheduler) Add(g *sequence.Group) {
	g.Status = sequence.StatusWaiting
	s.waiting = append(s.waiting, g)
	s.groups[g.RequestID] = g
	for _, seq := range g.Seqs {
		s.seqGroups[seq.ID()] = g
	}
	s.updateGauges()
}

// Abort schedules the request for termination at the top of the next step.
// Unknown ids are ignored, which makes aborts idempotent.
func (s *Scheduler) Abort(requestID string) {
	s.aborts.Insert(requestID)
}

// HasUnfinished reports whether any group still needs scheduling.
func (s *Scheduler) HasUnfinished() bool {
	return len(s.waiting)+len(s.running)+len(s.swapped) > 0
}

// NumWaiting returns the WAITING queue depth.
func (s *Scheduler) NumWaiting() int { return len(s.waiting) }

// NumRunning returns the RUNNING set size.
func (s *Scheduler) NumRunning() int { return len(s.running) }

// NumSwapped returns the SWAPPED queue depth.
func (s *Scheduler) NumSwapped() int { return len(s.swapped) }

// Schedule runs one scheduling step and returns the batch plan for the
// executor, plus any groups finished without ever executing (aborted while
// queued, or rejected as too long).
func (s *Scheduler) Schedule(ctx context.Context) (*BatchPlan, []*sequence.Group) {
	logger := klog.FromContext(ctx).WithName("scheduler")
	plan := newBatchPlan()

	finished := s.processAborts(logger)

	numSeqs := 0
	for _, g := range s.running {
		numSeqs += g.NumUnfinished()
	}
	// Every already-running sequence decodes one token this step; admission
	// spends only what remains of the token budget.
	tokenBudget := s.config.MaxNumBatchedTokens - numSeqs

	admitted, rejected := s.admit(logger, plan, &tokenBudget, &numSeqs)
	finished = append(finished, rejected...)

	// Swapping in right after a preemption would thrash the same blocks
	// through the host tier within one step; the swapped queue waits for a
	// step with no preemptions.
	preempted := s.decode(logger, plan)
	if !preempted {
		s.swapIn(logger, plan, &tokenBudget, &numSeqs)
	}
	s.running = append(s.running, admitted...)

	for i := range plan.Sequences {
		plan.NumBatchedTokens += plan.Sequences[i].NumNewTokens
	}

	s.updateGauges()
	logger.V(logging.DEBUG).Info("scheduled step",
		"sequences", len(plan.Sequences), "batchedTokens", plan.NumBatchedTokens,
		"waiting", len(s.waiting), "running", len(s.running), "swapped", len(s.swapped))
	return plan, finished
}

// processAborts finishes every group whose abort arrived since the last
// step, regardless of its queue.
func (s *Scheduler) processAborts(logger klog.Logger) []*sequence.Group {
	if s.aborts.Len() == 0 {
		return nil
	}

	var finished []*sequence.Group
	take := func(queue []*sequence.Group) []*sequence.Group {
		kept := queue[:0]
		for _, g := range queue {
			if !s.aborts.Has(g.RequestID) {
				kept = append(kept, g)
				continue
			}
			s.finishGroup(g, sequence.FinishAborted)
			finished = append(finished, g)
			logger.V(logging.DEBUG).Info("aborted request", "request", g.RequestID)
		}
		return kept
	}

	s.waiting = take(s.waiting)
	s.running = take(s.running)
	s.swapped = take(s.swapped)
	s.aborts = sets.New[string]()
	return finished
}

// admit moves waiting groups to RUNNING in policy order until the seat or
// token budget runs out, the pool defers a group, or the queue drains.
// Groups that can never fit are rejected. Returns the groups admitted this
// step and those rejected.
func (s *Scheduler) admit(logger klog.Logger, plan *BatchPlan,
	tokenBudget, numSeqs *int,
) (admitted, rejected []*sequence.Group) {
	for len(s.waiting) > 0 {
		idx := s.nextWaiting()
		g := s.waiting[idx]

		status, cached := s.mgr.CanAllocate(g)
		newTokens := g.Seqs[0].Len() - cached

		if status == manager.AllocNever || newTokens > s.config.MaxNumBatchedTokens {
			s.waiting = slices.Delete(s.waiting, idx, idx+1)
			s.finishGroup(g, sequence.FinishPromptTooLong)
			rejected = append(rejected, g)
			logger.Info("rejected request", "request", g.RequestID,
				"reason", ErrPromptTooLong, "tokens", g.Seqs[0].Len())
			continue
		}

		if status == manager.AllocLater ||
			*numSeqs+g.NumUnfinished() > s.config.MaxNumSeqs ||
			newTokens > *tokenBudget {
			break
		}

		if err := s.mgr.Allocate(g); err != nil {
			logger.Error(err, "allocation failed, deferring", "request", g.RequestID)
			break
		}

		s.waiting = slices.Delete(s.waiting, idx, idx+1)
		g.Status = sequence.StatusRunning
		admitted = append(admitted, g)
		*tokenBudget -= newTokens
		*numSeqs += g.NumUnfinished()

		first := g.Seqs[0]
		plan.Sequences = append(plan.Sequences, PlannedSequence{
			RequestID:     g.RequestID,
			SeqID:         first.ID(),
			BlockIDs:      s.mgr.BlockTable(first.ID()),
			IsPrefill:     true,
			FirstPosition: cached,
			NumNewTokens:  newTokens,
		})
		logger.V(logging.DEBUG).Info("admitted request", "request", g.RequestID,
			"newTokens", newTokens, "cachedTokens", cached)
	}
	return admitted, rejected
}

// nextWaiting returns the index of the group the ordering policy admits
// next. The scan is stable so equal groups keep arrival order.
func (s *Scheduler) nextWaiting() int {
	best := 0
	for i := 1; i < len(s.waiting); i++ {
		if s.config.Ordering.Less(s.waiting[i], s.waiting[best]) {
			best = i
		}
	}
	return best
}

// decode provides a slot for every running sequence's pending token,
// preempting the most recently admitted groups when the pool cannot. A
// group is planned all-or-nothing: the capacity check covers all of its
// unfinished sequences before any table is touched, so a group that must
// preempt itself never leaves entries behind in the plan. Reports whether
// any group was preempted.
func (s *Scheduler) decode(logger klog.Logger, plan *BatchPlan) bool {
	queue := s.running
	s.running = nil
	anyPreempted := false

	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]

		preempted := false
		for !s.mgr.CanAppendSlots(g) {
			if len(queue) > 0 {
				victim := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				s.preempt(logger, plan, victim)
				anyPreempted = true
				continue
			}
			s.preempt(logger, plan, g)
			preempted = true
			anyPreempted = true
			break
		}
		if preempted {
			continue
		}

		s.planGroupDecode(logger, plan, g)
		s.running = append(s.running, g)
	}
	return anyPreempted
}

// planGroupDecode gives every unfinished sequence in the group its slot,
// committing the entries to the plan only once the whole group succeeded.
// On failure the group stays resident without a slot this step; the next
// decode pass replans it (AppendSlot tolerates the retry) or preempts it.
func (s *Scheduler) planGroupDecode(logger klog.Logger, plan *BatchPlan,
	g *sequence.Group,
) bool {
	var entries []PlannedSequence
	var copies []manager.CopyOp

	for _, seq := range g.UnfinishedSeqs() {
		c, err := s.mgr.AppendSlot(seq)
		if err != nil {
			logger.Error(err, "append slot failed, deferring group",
				"request", g.RequestID, "seq", seq.ID())
			return false
		}
		copies = append(copies, c...)
		entries = append(entries, PlannedSequence{
			RequestID:     g.RequestID,
			SeqID:         seq.ID(),
			BlockIDs:      s.mgr.BlockTable(seq.ID()),
			FirstPosition: seq.Len() - 1,
			NumNewTokens:  1,
		})
	}

	plan.Sequences = append(plan.Sequences, entries...)
	plan.BlocksToCopy = append(plan.BlocksToCopy, copies...)
	return true
}

// preempt frees the victim's device memory via the configured policy.
// Recompute cannot reproduce diverged parallel candidates, so multi
// sequence groups always swap; if the host tier is full too, the group
// fails.
func (s *Scheduler) preempt(logger klog.Logger, plan *BatchPlan, g *sequence.Group) {
	mode := s.config.Preemption.Mode(g)
	if mode == PreemptRecompute && g.NumUnfinished() > 1 {
		mode = PreemptSwap
	}

	if mode == PreemptSwap {
		mapping, err := s.mgr.SwapOut(g)
		if err == nil {
			for gpu, host := range mapping {
				plan.BlocksToSwapOut[gpu] = host
			}
			g.Status = sequence.StatusSwapped
			s.swapped = append(s.swapped, g)
			metrics.PreemptionsSwap.Inc()
			logger.V(logging.DEBUG).Info("preempted via swap", "request", g.RequestID)
			return
		}
		if g.NumUnfinished() > 1 {
			logger.Error(err, "swap-out failed for multi-sequence group", "request", g.RequestID)
			s.finishGroup(g, sequence.FinishError)
			return
		}
		logger.V(logging.DEBUG).Info("host tier full, falling back to recompute",
			"request", g.RequestID)
	}

	s.mgr.FreeGroup(g)
	g.Status = sequence.StatusWaiting
	s.waiting = append([]*sequence.Group{g}, s.waiting...)
	metrics.PreemptionsRecompute.Inc()
	logger.V(logging.DEBUG).Info("preempted via recompute", "request", g.RequestID)
}

// swapIn restores swapped groups in FIFO order while the device and the
// budgets allow. The first group that cannot return blocks the rest, which
// preserves fairness among the preempted.
func (s *Scheduler) swapIn(logger klog.Logger, plan *BatchPlan, tokenBudget, numSeqs *int) {
	for len(s.swapped) > 0 {
		g := s.swapped[0]
		need := g.NumUnfinished()

		if *numSeqs+need > s.config.MaxNumSeqs || need > *tokenBudget {
			return
		}
		if status := s.mgr.CanSwapIn(g); status != manager.AllocOK &&
			status != manager.AllocOKAfterEviction {
			return
		}

		mapping, err := s.mgr.SwapIn(g)
		if err != nil {
			logger.V(logging.DEBUG).Info("swap-in deferred", "request", g.RequestID, "reason", err)
			return
		}
		for host, gpu := range mapping {
			plan.BlocksToSwapIn[host] = gpu
		}

		s.swapped = s.swapped[1:]
		g.Status = sequence.StatusRunning
		s.running = append(s.running, g)
		*tokenBudget -= need
		*numSeqs += need
		logger.V(logging.DEBUG).Info("swapped in", "request", g.RequestID)

		// The group missed its decode when preempted; give its pending
		// tokens slots now so it rejoins this step's batch. If the slots
		// do not fit, the group stays resident and decodes next step.
		if !s.planGroupDecode(logger, plan, g) {
			return
		}
	}
}

// ProcessResults applies the executor's sampled tokens, checks stop
// conditions, and releases finished sequences. Returns the groups that
// finished this step.
func (s *Scheduler) ProcessResults(ctx context.Context, plan *BatchPlan,
	result *ExecutionResult,
) ([]*sequence.Group, error) {
	logger := klog.FromContext(ctx).WithName("scheduler")

	bySeq := make(map[int64]*SequenceResult, len(result.Results))
	for i := range result.Results {
		bySeq[result.Results[i].SeqID] = &result.Results[i]
	}

	for i := range plan.Sequences {
		ps := &plan.Sequences[i]
		g, ok := s.seqGroups[ps.SeqID]
		if !ok {
			continue // finished by an error path after planning
		}
		res, ok := bySeq[ps.SeqID]
		if !ok || len(res.Tokens) == 0 {
			return nil, fmt.Errorf("executor returned no result for sequence %d", ps.SeqID)
		}

		if ps.IsPrefill {
			// One sampled token per candidate; a single-token result
			// fans out to every candidate.
			for j, seq := range g.Seqs {
				tok := res.Tokens[min(j, len(res.Tokens)-1)]
				seq.AppendToken(tok)
				s.mgr.OnExecuted(seq)
				s.checkStop(g, seq, tok)
			}
			continue
		}

		seq := g.Find(ps.SeqID)
		if seq == nil || seq.IsFinished() {
			continue
		}
		tok := res.Tokens[0]
		seq.AppendToken(tok)
		s.mgr.OnExecuted(seq)
		s.checkStop(g, seq, tok)
	}

	var finished []*sequence.Group
	kept := s.running[:0]
	for _, g := range s.running {
		if !g.IsFinished() {
			kept = append(kept, g)
			continue
		}
		g.Status = sequence.StatusFinished
		s.forget(g)
		finished = append(finished, g)
		logger.V(logging.DEBUG).Info("request finished", "request", g.RequestID)
	}
	s.running = kept

	s.updateGauges()
	return finished, nil
}

// checkStop applies EOS, stop-token, and length limits to a freshly
// sampled token, freeing the sequence's blocks on finish.
func (s *Scheduler) checkStop(g *sequence.Group, seq *sequence.Sequence, token int) {
	params := g.Params

	switch {
	case !params.IgnoreEOS && s.config.EOSTokenID >= 0 && token == s.config.EOSTokenID:
		seq.Finish(sequence.FinishStopToken)
	case slices.Contains(params.StopTokenIDs, token):
		seq.Finish(sequence.FinishStopToken)
	case params.MaxTokens > 0 && seq.NumCompletionTokens() >= params.MaxTokens:
		seq.Finish(sequence.FinishLength)
	default:
		return
	}
	s.mgr.FreeSeq(seq)
}

// FailAll finishes every live group with an error. Used when the executor
// fails, after which shared device state cannot be trusted.
func (s *Scheduler) FailAll(ctx context.Context) []*sequence.Group {
	logger := klog.FromContext(ctx).WithName("scheduler")

	var failed []*sequence.Group
	for _, queue := range [][]*sequence.Group{s.waiting, s.running, s.swapped} {
		for _, g := range queue {
			s.finishGroup(g, sequence.FinishError)
			failed = append(failed, g)
		}
	}
	s.waiting, s.running, s.swapped = nil, nil, nil
	s.aborts = sets.New[string]()
	s.updateGauges()

	logger.Info("failed all in-flight requests", "count", len(failed))
	return failed
}

// finishGroup terminates every unfinished sequence, frees all blocks on
// both tiers, and drops the group from the indexes.
func (s *Scheduler) finishGroup(g *sequence.Group, reason sequence.FinishReason) {
	for _, seq := range g.Seqs {
		seq.Finish(reason)
	}
	s.mgr.FreeGroup(g)
	g.Status = sequence.StatusFinished
	s.forget(g)
}

func (s *Scheduler) forget(g *sequence.Group) {
	delete(s.groups, g.RequestID)
	for _, seq := range g.Seqs {
		delete(s.seqGroups, seq.ID())
	}
}

func (s *Scheduler) updateGauges() {
	metrics.WaitingGroups.Set(float64(len(s.waiting)))
	metrics.RunningGroups.Set(float64(len(s.running)))
	metrics.SwappedGroups.Set(float64(len(s.swapped)))
}
