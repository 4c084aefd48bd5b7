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

// Package blockpool implements the fixed-size page allocator over the
// device KV-cache region. The pool tracks free blocks, reference counts and
// an LRU of free-but-cached blocks whose content remains valid until they
// are evicted for reuse.
package blockpool

import (
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
)

var (
	// ErrPoolExhausted is returned when no block is free and none is
	// evictable.
	ErrPoolExhausted = errors.New("block pool exhausted")
	// ErrNoEvictableBlock is returned by EvictOne when every block has a
	// positive reference count.
	ErrNoEvictableBlock = errors.New("no evictable block")
)

// EvictionCallback is invoked when a cached block is recycled, before its
// hash is cleared. Used to invalidate prefix-cache mappings and to emit
// block-removed events.
type EvictionCallback func(id BlockID, hash uint64)

// Pool is the physical block pool. It is not safe for concurrent use; the
// engine's single scheduling goroutine is the only writer.
type Pool struct {
	blockSize int
	blocks    []*Block

	// free holds blocks with no valid cached content, in FIFO order.
	free []BlockID
	// cached holds ref-count-zero blocks whose content is still valid,
	// ordered by recency of release. The oldest entry is evicted first.
	cached *simplelru.LRU[BlockID, struct{}]

	onEvict EvictionCallback
}

// New creates a pool of numBlocks blocks of blockSize token slots each.
// The pool size is fixed for the lifetime of the pool.
func New(numBlocks, blockSize int) (*Pool, error) {
	if numBlocks <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: %d blocks of %d slots", numBlocks, blockSize)
	}

	cached, err := simplelru.NewLRU[BlockID, struct{}](numBlocks, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cached-block LRU: %w", err)
	}

	p := &Pool{
		blockSize: blockSize,
		blocks:    make([]*Block, numBlocks),
		free:      make([]BlockID, numBlocks),
		cached:    cached,
	}
	for i := range p.blocks {
		p.blocks[i] = &Block{id: BlockID(i)}
		p.free[i] = BlockID(i)
	}

	return p, nil
}

// SetEvictionCallback installs the callback invoked on cached-block
// eviction.
func (p *Pool) SetEvictionCallback(cb EvictionCallback) {
	p.onEvict = cb
}

// BlockSize returns the number of token slots per block.
func (p *Pool) BlockSize() int { return p.blockSize }

// NumTotal returns the fixed pool capacity in blocks.
func (p *Pool) NumTotal() int { return len(p.blocks) }

// NumFree returns the number of blocks with no cached content.
func (p *Pool) NumFree() int { return len(p.free) }

// NumEvictable returns the number of free-but-cached blocks.
func (p *Pool) NumEvictable() int { return p.cached.Len() }

// Get returns the block for a handle. Read-only access; mutation goes
// through pool methods.
func (p *Pool) Get(id BlockID) *Block {
	return p.blocks[id]
}

// Allocate returns a block with reference count 1 and no content, taking a
// free block first and evicting the LRU cached block otherwise.
func (p *Pool) Allocate() (BlockID, error) {
	id, err := p.takeFree()
	if err != nil {
		return 0, err
	}

	blk := p.blocks[id]
	blk.reset()
	blk.refCount = 1
	metrics.BlockAllocations.Inc()
	return id, nil
}

func (p *Pool) takeFree() (BlockID, error) {
	if len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		return id, nil
	}
	return p.EvictOne()
}

// EvictOne recycles the least-recently-released cached block. The block's
// prefix mapping is invalidated through the eviction callback and its hash
// cleared. The returned block has reference count 0 and must be claimed by
// a subsequent allocation.
func (p *Pool) EvictOne() (BlockID, error) {
	id, _, ok := p.cached.RemoveOldest()
	if !ok {
		if len(p.free) == 0 {
			return 0, ErrPoolExhausted
		}
		return 0, ErrNoEvictableBlock
	}

	blk := p.blocks[id]
	if p.onEvict != nil {
		p.onEvict(id, blk.hash)
	}
	blk.reset()
	metrics.BlockEvictions.Inc()
	return id, nil
}

// Acquire adds a reference to a block found through the prefix-cache index.
// A block still referenced by other sequences gains a reference; a
// free-but-cached block is removed from the evictable set and revived with
// its content intact.
func (p *Pool) Acquire(id BlockID) error {
	blk := p.blocks[id]
	if blk.refCount == 0 {
		if _, ok := p.cached.Peek(id); !ok {
			return fmt.Errorf("block %d is neither referenced nor cached", id)
		}
		p.cached.Remove(id)
	}
	blk.refCount++
	return nil
}

// Free drops one reference. At zero references a block with valid content
// becomes evictable (content retained for potential reuse); a block without
// content returns to the free list.
func (p *Pool) Free(id BlockID) error {
	blk := p.blocks[id]
	if blk.refCount <= 0 {
		return fmt.Errorf("free of unreferenced block %d", id)
	}

	blk.refCount--
	if blk.refCount > 0 {
		return nil
	}

	if blk.hashed {
		p.cached.Add(id, struct{}{})
	} else {
		p.free = append(p.free, id)
	}
	return nil
}

// SetHash records the content hash of a fully written block.
// numHashedTokens is the absolute token count covered by the chain through
// this block.
func (p *Pool) SetHash(id BlockID, hash uint64, numHashedTokens int) {
	blk := p.blocks[id]
	blk.hash = hash
	blk.hashed = true
	blk.numHashedTokens = numHashedTokens
}

// MarkComputed flags a block's KV content as valid and reusable.
func (p *Pool) MarkComputed(id BlockID) {
	p.blocks[id].computed = true
}

// IsCached reports whether a block currently sits in the evictable set.
func (p *Pool) IsCached(id BlockID) bool {
	_, ok := p.cached.Peek(id)
	return ok
}
