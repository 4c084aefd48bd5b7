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

// Package manager implements the block space manager: the only component
// that mutates block tables and block reference counts. It translates
// sequence-group intents (allocate, append, fork, swap, free) into pool and
// prefix-index operations, and answers the scheduler's admission questions
// with pure checks.
package manager

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/prefixindex"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/tokenhash"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
	"github.com/llm-d-incubation/paged-engine/pkg/utils"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

// ErrInsufficientMemory is returned by SwapIn when the device pool cannot
// satisfy the group even after eviction. The caller retries on a later
// step.
var ErrInsufficientMemory = errors.New("insufficient device memory for swap-in")

// AllocStatus is the verdict of an admission check.
type AllocStatus int

const (
	// AllocOK: the request fits in currently free blocks.
	AllocOK AllocStatus = iota
	// AllocOKAfterEviction: the request fits once cached blocks are
	// recycled.
	AllocOKAfterEviction
	// AllocLater: the request does not fit now but can once running
	// requests release memory. The scheduler defers it.
	AllocLater
	// AllocNever: the request exceeds total pool capacity even with full
	// eviction. Terminal for the request.
	AllocNever
)

// CopyOp is a device-side block copy the executor must perform before
// computing the step (copy-on-write privatization).
type CopyOp struct {
	Src blockpool.BlockID
	Dst blockpool.BlockID
}

// Manager is the block space manager. Single-writer: only the scheduling
// goroutine calls its methods.
type Manager struct {
	pool   *blockpool.Pool
	index  prefixindex.Index
	hasher *tokenhash.ChainedHasher
	host   *hostTier
	events EventSink

	blockSize int

	// tables maps live sequence ids to their device block tables.
	tables map[int64][]blockpool.BlockID
	// chains maps sequence ids to the hash chain of their full blocks;
	// chains[i] is the hash of block i.
	chains map[int64][]uint64
	// hostTables maps swapped-out sequence ids to host block tables.
	hostTables map[int64][]HostBlockID
}

// New creates a Manager over the given pool. numHostBlocks sizes the
// secondary swap tier; events may be nil.
func New(pool *blockpool.Pool, index prefixindex.Index, hasher *tokenhash.ChainedHasher,
	numHostBlocks int, events EventSink,
) *Manager {
	if events == nil {
		events = noopSink{}
	}

	m := &Manager{
		pool:       pool,
		index:      index,
		hasher:     hasher,
		host:       newHostTier(numHostBlocks),
		events:     events,
		blockSize:  pool.BlockSize(),
		tables:     make(map[int64][]blockpool.BlockID),
		chains:     make(map[int64][]uint64),
		hostTables: make(map[int64][]HostBlockID),
	}

	pool.SetEvictionCallback(func(id blockpool.BlockID, hash uint64) {
		// A decode can seal a block whose hash is already indexed against
		// another live block; evicting such a duplicate must not tear down
		// the mapping that still backs it.
		if mapped, ok := index.Lookup(hash); !ok || mapped != id {
			return
		}
		index.Invalidate(hash)
		events.BlockRemoved(hash)
	})

	return m
}

// Pool exposes the underlying pool for read-only capacity queries.
func (m *Manager) Pool() *blockpool.Pool { return m.pool }

// NumFreeHostBlocks returns the remaining capacity of the host swap tier.
func (m *Manager) NumFreeHostBlocks() int { return m.host.numFree() }

// BlockTable returns a copy of the sequence's device block table.
func (m *Manager) BlockTable(seqID int64) []blockpool.BlockID {
	table := m.tables[seqID]
	out := make([]blockpool.BlockID, len(table))
	copy(out, table)
	return out
}

// promptProbe is the shared pure walk behind CanAllocate and Allocate.
type promptProbe struct {
	hashes       []uint64 // chain over full prompt blocks
	numHits      int      // consecutive leading index hits
	cachedTokens int      // tokens covered by computed hits
}

func (m *Manager) probePrompt(prompt []int) (*promptProbe, error) {
	hashes, err := m.hasher.PrefixHashes(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to hash prompt blocks: %w", err)
	}

	probe := &promptProbe{hashes: hashes}
	for _, h := range hashes {
		id, ok := m.index.Lookup(h)
		if !ok {
			break
		}
		probe.numHits++
		if m.pool.Get(id).Computed() {
			probe.cachedTokens += m.blockSize
		}
	}

	// The executor always computes at least the last prompt position: the
	// sampler needs its logits.
	if probe.cachedTokens >= len(prompt) {
		probe.cachedTokens = len(prompt) - 1
	}
	return probe, nil
}

// CanAllocate answers whether the group can be admitted. Pure: no state is
// mutated, and the verdict is stable until a mutating operation runs. The
// walk covers the first sequence's full token history, so a group preempted
// for recompute re-prefills its generated tokens too. The second return
// value is the number of tokens already computed in the prefix cache.
func (m *Manager) CanAllocate(g *sequence.Group) (AllocStatus, int) {
	prompt := g.Seqs[0].TokenIDs()
	required := utils.CeilDiv(len(prompt), m.blockSize)

	if required > m.pool.NumTotal() {
		return AllocNever, 0
	}

	probe, err := m.probePrompt(prompt)
	if err != nil {
		// Hash failure is not the request's fault; treat as deferrable.
		klog.Background().Error(err, "prompt probe failed", "request", g.RequestID)
		return AllocLater, 0
	}

	needed := required - probe.numHits
	switch {
	case needed <= m.pool.NumFree():
		return AllocOK, probe.cachedTokens
	case needed <= m.pool.NumFree()+m.pool.NumEvictable():
		return AllocOKAfterEviction, probe.cachedTokens
	default:
		return AllocLater, probe.cachedTokens
	}
}

// Allocate builds block tables for every sequence in the group. The first
// sequence walks the prompt: cache hits share the cached block, misses
// allocate a fresh one (evicting as needed) and register full blocks in the
// prefix index. Remaining sequences fork the first (parallel sampling).
func (m *Manager) Allocate(g *sequence.Group) error {
	first := g.Seqs[0]
	prompt := first.TokenIDs()
	numBlocks := utils.CeilDiv(len(prompt), m.blockSize)

	probe, err := m.probePrompt(prompt)
	if err != nil {
		return err
	}

	table := make([]blockpool.BlockID, 0, numBlocks)
	chain := make([]uint64, 0, len(probe.hashes))

	rollback := func() {
		for i := len(table) - 1; i >= 0; i-- {
			_ = m.pool.Free(table[i])
		}
	}

	for i := 0; i < numBlocks; i++ {
		if i < probe.numHits {
			id, ok := m.index.Lookup(probe.hashes[i])
			if !ok {
				// Mapping vanished between probe and walk; impossible in
				// the single-writer model.
				rollback()
				return fmt.Errorf("prefix mapping for block %d disappeared during allocation", i)
			}
			if err := m.pool.Acquire(id); err != nil {
				rollback()
				return err
			}
			table = append(table, id)
			chain = append(chain, probe.hashes[i])
			continue
		}

		id, err := m.pool.Allocate()
		if err != nil {
			rollback()
			return err
		}
		table = append(table, id)

		if i < len(probe.hashes) {
			parent := m.hasher.RootHash()
			if i > 0 {
				parent = probe.hashes[i-1]
			}
			m.pool.SetHash(id, probe.hashes[i], (i+1)*m.blockSize)
			m.index.Insert(probe.hashes[i], id)
			chain = append(chain, probe.hashes[i])
			m.events.BlockStored(probe.hashes[i], parent, first.BlockTokens(i, m.blockSize), m.blockSize)
		}
	}

	m.tables[first.ID()] = table
	m.chains[first.ID()] = chain
	first.NumCachedTokens = probe.cachedTokens

	for _, seq := range g.Seqs[1:] {
		if err := m.Fork(first, seq); err != nil {
			m.FreeSeq(first)
			return err
		}
	}

	klog.Background().V(logging.TRACE).Info("allocated prompt blocks",
		"request", g.RequestID, "blocks", numBlocks, "cachedTokens", probe.cachedTokens)
	return nil
}

// CanAppendSlot reports whether one more token slot can be provided for the
// sequence: the last block has room, or a block can be allocated (free or
// evictable) for the new slot and any copy-on-write privatization.
func (m *Manager) CanAppendSlot(seq *sequence.Sequence) bool {
	needed := m.blocksNeededForAppend(seq)
	return needed <= m.pool.NumFree()+m.pool.NumEvictable()
}

// CanAppendSlots reports whether every unfinished sequence in the group can
// receive its pending slot this step. The scheduler plans a group
// all-or-nothing, so the check covers the whole group before any table is
// touched. The sum is an upper bound: privatizing a shared block can make a
// sibling's slot free.
func (m *Manager) CanAppendSlots(g *sequence.Group) bool {
	needed := 0
	for _, seq := range g.UnfinishedSeqs() {
		needed += m.blocksNeededForAppend(seq)
	}
	return needed <= m.pool.NumFree()+m.pool.NumEvictable()
}

func (m *Manager) blocksNeededForAppend(seq *sequence.Sequence) int {
	table := m.tables[seq.ID()]
	if utils.CeilDiv(seq.Len(), m.blockSize) > len(table) {
		// The latest token needs a block the table does not cover yet.
		return 1
	}
	if len(table) > 0 && m.pool.Get(table[len(table)-1]).RefCount() > 1 {
		// Writing into a shared last block forces privatization.
		return 1
	}
	return 0
}

// AppendSlot provides the physical slot for the sequence's latest token,
// privatizing a shared last block first (copy-on-write) and hashing the
// last block once it fills. At most one new block is allocated per call.
// Calling again for the same pending token is a no-op, so a plan abandoned
// by preemption can be rebuilt after the group returns. Returned copy
// operations must be handed to the executor in this step's batch plan.
func (m *Manager) AppendSlot(seq *sequence.Sequence) ([]CopyOp, error) {
	seqID := seq.ID()
	table := m.tables[seqID]
	var copies []CopyOp

	if utils.CeilDiv(seq.Len(), m.blockSize) > len(table) {
		id, err := m.pool.Allocate()
		if err != nil {
			return nil, err
		}
		table = append(table, id)
		m.tables[seqID] = table
	} else {
		last := table[len(table)-1]
		if m.pool.Get(last).RefCount() > 1 {
			id, err := m.pool.Allocate()
			if err != nil {
				return nil, err
			}
			copies = append(copies, CopyOp{Src: last, Dst: id})
			if err := m.pool.Free(last); err != nil {
				return nil, err
			}
			table[len(table)-1] = id
			m.tables[seqID] = table
		}
	}

	if seq.Len()%m.blockSize == 0 && len(m.chains[seqID]) < seq.Len()/m.blockSize {
		if err := m.sealLastBlock(seq, table); err != nil {
			return nil, err
		}
	}

	return copies, nil
}

// sealLastBlock hashes a just-filled last block and registers it for
// prefix reuse.
func (m *Manager) sealLastBlock(seq *sequence.Sequence, table []blockpool.BlockID) error {
	seqID := seq.ID()
	chain := m.chains[seqID]

	parent := m.hasher.RootHash()
	if len(chain) > 0 {
		parent = chain[len(chain)-1]
	}

	blockIdx := seq.Len()/m.blockSize - 1
	tokens := seq.BlockTokens(blockIdx, m.blockSize)
	h, err := m.hasher.HashBlock(parent, tokens)
	if err != nil {
		return fmt.Errorf("failed to hash filled block: %w", err)
	}

	id := table[len(table)-1]
	m.pool.SetHash(id, h, seq.Len())
	if _, exists := m.index.Lookup(h); !exists {
		m.index.Insert(h, id)
	}
	m.chains[seqID] = append(chain, h)
	m.events.BlockStored(h, parent, tokens, m.blockSize)
	return nil
}

// Fork gives the child sequence a block table referencing the parent's
// blocks. No data is copied; diverging writes privatize via AppendSlot.
func (m *Manager) Fork(parent, child *sequence.Sequence) error {
	parentTable := m.tables[parent.ID()]

	table := make([]blockpool.BlockID, 0, len(parentTable))
	for _, id := range parentTable {
		if err := m.pool.Acquire(id); err != nil {
			for i := len(table) - 1; i >= 0; i-- {
				_ = m.pool.Free(table[i])
			}
			return err
		}
		table = append(table, id)
	}

	m.tables[child.ID()] = table
	m.chains[child.ID()] = append([]uint64(nil), m.chains[parent.ID()]...)
	child.NumCachedTokens = parent.NumCachedTokens
	return nil
}

// OnExecuted marks the sequence's fully written blocks as computed. Called
// after the executor confirms the step that filled them.
func (m *Manager) OnExecuted(seq *sequence.Sequence) {
	fullBlocks := seq.Len() / m.blockSize
	table := m.tables[seq.ID()]
	for i := 0; i < fullBlocks && i < len(table); i++ {
		m.pool.MarkComputed(table[i])
	}
}

// FreeSeq releases every block the sequence holds, on whichever tier.
// Blocks are released in reverse table order so the deepest (least
// reusable) blocks are evicted first.
func (m *Manager) FreeSeq(seq *sequence.Sequence) {
	seqID := seq.ID()

	if table, ok := m.tables[seqID]; ok {
		for i := len(table) - 1; i >= 0; i-- {
			if err := m.pool.Free(table[i]); err != nil {
				klog.Background().Error(err, "failed to free block", "seq", seqID, "block", table[i])
			}
		}
		delete(m.tables, seqID)
	}

	if hostTable, ok := m.hostTables[seqID]; ok {
		m.releaseHostTable(hostTable)
		delete(m.hostTables, seqID)
	}

	delete(m.chains, seqID)
	seq.NumCachedTokens = 0
}

func (m *Manager) releaseHostTable(table []HostBlockID) {
	seen := make(map[HostBlockID]bool, len(table))
	for _, id := range table {
		if !seen[id] {
			seen[id] = true
			m.host.release(id)
		}
	}
}

// FreeGroup releases all blocks of every sequence in the group.
func (m *Manager) FreeGroup(g *sequence.Group) {
	for _, seq := range g.Seqs {
		m.FreeSeq(seq)
	}
}

// SwapOut moves the group's device blocks to the host tier and returns the
// device-to-host mapping the executor must copy. Blocks shared across the
// group's sequences map to a single host block. Device references are
// released; blocks still referenced by other groups stay resident for
// them.
func (m *Manager) SwapOut(g *sequence.Group) (map[blockpool.BlockID]HostBlockID, error) {
	// Count distinct device blocks first so a failed swap leaves no
	// half-moved state.
	distinct := make(map[blockpool.BlockID]bool)
	for _, seq := range g.UnfinishedSeqs() {
		for _, id := range m.tables[seq.ID()] {
			distinct[id] = true
		}
	}
	if len(distinct) > m.host.numFree() {
		return nil, ErrInsufficientHostMemory
	}

	mapping := make(map[blockpool.BlockID]HostBlockID, len(distinct))
	for _, seq := range g.UnfinishedSeqs() {
		seqID := seq.ID()
		table := m.tables[seqID]
		hostTable := make([]HostBlockID, len(table))

		for i, id := range table {
			hostID, ok := mapping[id]
			if ok {
				// A block shared across the group's sequences moves once
				// but is held by every table referencing it.
				m.host.acquire(hostID)
			} else {
				var err error
				hostID, err = m.host.allocate()
				if err != nil {
					// Unreachable after the capacity check above.
					return nil, err
				}
				mapping[id] = hostID
			}
			hostTable[i] = hostID
		}

		for i := len(table) - 1; i >= 0; i-- {
			if err := m.pool.Free(table[i]); err != nil {
				klog.Background().Error(err, "failed to release swapped block", "seq", seqID)
			}
		}

		delete(m.tables, seqID)
		m.hostTables[seqID] = hostTable
	}

	return mapping, nil
}

// CanSwapIn answers whether the group's host-resident blocks fit back on
// the device.
func (m *Manager) CanSwapIn(g *sequence.Group) AllocStatus {
	distinct := make(map[HostBlockID]bool)
	for _, seq := range g.UnfinishedSeqs() {
		for _, id := range m.hostTables[seq.ID()] {
			distinct[id] = true
		}
	}

	needed := len(distinct)
	switch {
	case needed > m.pool.NumTotal():
		return AllocNever
	case needed <= m.pool.NumFree():
		return AllocOK
	case needed <= m.pool.NumFree()+m.pool.NumEvictable():
		return AllocOKAfterEviction
	default:
		return AllocLater
	}
}

// SwapIn restores the group's blocks to the device and returns the
// host-to-device mapping for the executor. Hash chains are restored so the
// sequences keep sealing and sharing blocks correctly. Fails with
// ErrInsufficientMemory without mutating state if the device cannot hold
// the group.
func (m *Manager) SwapIn(g *sequence.Group) (map[HostBlockID]blockpool.BlockID, error) {
	if status := m.CanSwapIn(g); status != AllocOK && status != AllocOKAfterEviction {
		return nil, ErrInsufficientMemory
	}

	mapping := make(map[HostBlockID]blockpool.BlockID)
	for _, seq := range g.UnfinishedSeqs() {
		seqID := seq.ID()
		hostTable := m.hostTables[seqID]
		chain := m.chains[seqID]
		table := make([]blockpool.BlockID, len(hostTable))

		for i, hostID := range hostTable {
			if id, ok := mapping[hostID]; ok {
				if err := m.pool.Acquire(id); err != nil {
					return nil, err
				}
				table[i] = id
				continue
			}

			id, err := m.pool.Allocate()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInsufficientMemory, err)
			}
			mapping[hostID] = id
			table[i] = id

			if i < len(chain) {
				m.pool.SetHash(id, chain[i], (i+1)*m.blockSize)
				m.pool.MarkComputed(id)
				if _, exists := m.index.Lookup(chain[i]); !exists {
					m.index.Insert(chain[i], id)
				}
			}
		}

		m.releaseHostTable(hostTable)
		delete(m.hostTables, seqID)
		m.tables[seqID] = table
	}

	return mapping, nil
}
