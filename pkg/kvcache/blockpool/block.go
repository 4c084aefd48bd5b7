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

package blockpool

// BlockID is a stable integer handle into the pool's block arena.
type BlockID int

// Block is a fixed-capacity page of KV-cache storage. Blocks are created
// once at pool initialization and recycled, never destroyed. All mutation
// goes through Pool methods.
type Block struct {
	id       BlockID
	refCount int

	// hash identifies the exact token chain this block encodes. Defined
	// only once the block is fully written.
	hash   uint64
	hashed bool
	// numHashedTokens is the absolute number of tokens covered by the hash
	// chain up to and including this block.
	numHashedTokens int

	computed bool
}

// ID returns the block's stable handle.
func (b *Block) ID() BlockID { return b.id }

// RefCount returns the number of sequences currently pointing at the block.
func (b *Block) RefCount() int { return b.refCount }

// Hash returns the block's content hash and whether one is defined.
func (b *Block) Hash() (uint64, bool) { return b.hash, b.hashed }

// NumHashedTokens returns the token count covered by the hash chain through
// this block. Zero while the block has no hash.
func (b *Block) NumHashedTokens() int { return b.numHashedTokens }

// Computed reports whether the block's KV content is valid and reusable.
func (b *Block) Computed() bool { return b.computed }

func (b *Block) reset() {
	b.refCount = 0
	b.hash = 0
	b.hashed = false
	b.numHashedTokens = 0
	b.computed = false
}
