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

// Package tokenhash computes the chained content hashes that identify full
// KV-cache blocks. Each block hash covers the block's token ids chained with
// the predecessor block's hash, which makes the mapping position-sensitive:
// two prompts resolve to the same hash chain exactly as far as their leading
// token blocks are identical.
package tokenhash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// defaultBlockSize is the default number of tokens per block.
// 16 is the default value used by vLLM.
const defaultBlockSize = 16

// Config holds the configuration for the chained hasher.
type Config struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is folded into the root hash, similarly to vLLM's NONE_HASH.
	// Deployments that share a prefix index across engines must agree on the
	// seed value.
	HashSeed string `json:"hashSeed"`
}

// DefaultConfig returns the default configuration for the chained hasher.
func DefaultConfig() *Config {
	return &Config{
		BlockSize: defaultBlockSize,
		HashSeed:  "",
	}
}

// ChainedHasher hashes full token blocks into a position-sensitive chain.
// The payload serialization and hashing are aligned with vLLM: canonical
// CBOR of [parent, tokens, extra], SHA-256, lower 64 bits.
type ChainedHasher struct {
	Config

	encMode  cbor.EncMode
	rootHash uint64
}

// NewChainedHasher creates a ChainedHasher with the given config.
func NewChainedHasher(config *Config) (*ChainedHasher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", config.BlockSize)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	h := &ChainedHasher{
		Config:  *config,
		encMode: encMode,
	}

	seedBytes, err := encMode.Marshal(config.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash seed: %w", err)
	}
	sum := sha256.Sum256(seedBytes)
	h.rootHash = binary.BigEndian.Uint64(sum[24:])

	return h, nil
}

// RootHash returns the parent hash of the first block in any chain.
func (h *ChainedHasher) RootHash() uint64 {
	return h.rootHash
}

// HashBlock computes the hash of one full block given its parent's hash.
func (h *ChainedHasher) HashBlock(parent uint64, tokens []int) (uint64, error) {
	payload := []interface{}{parent, tokens, nil}

	b, err := h.encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal hash payload: %w", err)
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:]), nil
}

// PrefixHashes returns the hash chain over all full blocks of the token
// sequence. Partial trailing tokens are not hashed.
func (h *ChainedHasher) PrefixHashes(tokens []int) ([]uint64, error) {
	parent := h.rootHash
	var hashes []uint64

	for i := 0; i+h.BlockSize <= len(tokens); i += h.BlockSize {
		next, err := h.HashBlock(parent, tokens[i:i+h.BlockSize])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, next)
		parent = next
	}

	return hashes, nil
}
