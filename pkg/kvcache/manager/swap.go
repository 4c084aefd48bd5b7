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

package manager

import "errors"

// ErrInsufficientHostMemory is returned by SwapOut when the host tier
// cannot hold the group's blocks.
var ErrInsufficientHostMemory = errors.New("insufficient host memory for swap-out")

// HostBlockID is a handle into the host (CPU) swap tier.
type HostBlockID int

// hostTier is a capacity-tracked allocator for the secondary swap pool.
// Actual data movement is the executor's job; the tier only does the
// bookkeeping that backs the swap mappings in the batch plan. Host blocks
// are reference counted: a block shared by several sequences of a group is
// held once per sequence table and returns to the free list only when the
// last holder releases it.
type hostTier struct {
	free []HostBlockID
	refs map[HostBlockID]int
}

func newHostTier(numBlocks int) *hostTier {
	t := &hostTier{
		free: make([]HostBlockID, numBlocks),
		refs: make(map[HostBlockID]int, numBlocks),
	}
	for i := range t.free {
		t.free[i] = HostBlockID(i)
	}
	return t
}

func (t *hostTier) numFree() int { return len(t.free) }

func (t *hostTier) allocate() (HostBlockID, error) {
	if len(t.free) == 0 {
		return 0, ErrInsufficientHostMemory
	}
	id := t.free[0]
	t.free = t.free[1:]
	t.refs[id] = 1
	return id, nil
}

func (t *hostTier) acquire(id HostBlockID) {
	t.refs[id]++
}

func (t *hostTier) release(id HostBlockID) {
	t.refs[id]--
	if t.refs[id] > 0 {
		return
	}
	delete(t.refs, id)
	t.free = append(t.free, id)
}
