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
	"fmt"

	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
)

// OrderingPolicy decides which waiting group is admitted next. Orderings
// must be total and deterministic given identical inputs.
type OrderingPolicy interface {
	// Less reports whether a should be admitted before b.
	Less(a, b *sequence.Group) bool
	Name() string
}

const (
	FCFSOrderingName     = "fcfs"
	PriorityOrderingName = "priority"
)

// FCFSOrdering admits strictly by arrival, breaking ties by request id.
type FCFSOrdering struct{}

func (FCFSOrdering) Less(a, b *sequence.Group) bool {
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.RequestID < b.RequestID
}

func (FCFSOrdering) Name() string { return FCFSOrderingName }

// PriorityOrdering admits the highest-priority group first; ties break by
// arrival, then request id.
type PriorityOrdering struct{}

func (PriorityOrdering) Less(a, b *sequence.Group) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return (FCFSOrdering{}).Less(a, b)
}

func (PriorityOrdering) Name() string { return PriorityOrderingName }

// OrderingPolicyByName resolves a configured ordering name.
func OrderingPolicyByName(name string) (OrderingPolicy, error) {
	switch name {
	case FCFSOrderingName, "":
		return FCFSOrdering{}, nil
	case PriorityOrderingName:
		return PriorityOrdering{}, nil
	default:
		return nil, fmt.Errorf("unknown ordering policy %q", name)
	}
}

// PreemptionMode selects how a victim group gives up its device memory.
type PreemptionMode int

const (
	// PreemptSwap moves the group's blocks to host memory; progress is
	// preserved and restored by a later swap-in.
	PreemptSwap PreemptionMode = iota
	// PreemptRecompute discards the group's blocks; the group re-enters
	// the waiting queue and re-prefills its full token history.
	PreemptRecompute
)

// PreemptionPolicy chooses the mode per victim group.
type PreemptionPolicy interface {
	Mode(g *sequence.Group) PreemptionMode
	Name() string
}

const (
	SwapPreferredPreemptionName = "swap-preferred"
	RecomputePreemptionName     = "recompute"
	SwapPreemptionName          = "swap"
)

// SwapPreferredPreemption swaps groups with several live candidates
// (recompute cannot reproduce diverged sequences) and recomputes
// single-sequence groups, for which a fresh prefill is cheaper than two
// memory transfers.
type SwapPreferredPreemption struct{}

func (SwapPreferredPreemption) Mode(g *sequence.Group) PreemptionMode {
	if g.NumUnfinished() > 1 {
		return PreemptSwap
	}
	return PreemptRecompute
}

func (SwapPreferredPreemption) Name() string { return SwapPreferredPreemptionName }

// RecomputePreemption always discards and re-prefills.
type RecomputePreemption struct{}

func (RecomputePreemption) Mode(*sequence.Group) PreemptionMode { return PreemptRecompute }
func (RecomputePreemption) Name() string                        { return RecomputePreemptionName }

// SwapPreemption always swaps to host memory.
type SwapPreemption struct{}

func (SwapPreemption) Mode(*sequence.Group) PreemptionMode { return PreemptSwap }
func (SwapPreemption) Name() string                        { return SwapPreemptionName }

// PreemptionPolicyByName resolves a configured preemption policy name.
func PreemptionPolicyByName(name string) (PreemptionPolicy, error) {
	switch name {
	case SwapPreferredPreemptionName, "":
		return SwapPreferredPreemption{}, nil
	case RecomputePreemptionName:
		return RecomputePreemption{}, nil
	case SwapPreemptionName:
		return SwapPreemption{}, nil
	default:
		return nil, fmt.Errorf("unknown preemption policy %q", name)
	}
}
