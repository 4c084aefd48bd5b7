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

package tokenhash_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/tokenhash"
)

func newHasher(t *testing.T, blockSize int) *tokenhash.ChainedHasher {
	t.Helper()
	h, err := tokenhash.NewChainedHasher(&tokenhash.Config{BlockSize: blockSize})
	require.NoError(t, err)
	return h
}

func TestHashDeterminism(t *testing.T) {
	h := newHasher(t, 4)

	a, err := h.HashBlock(h.RootHash(), []int{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := h.HashBlock(h.RootHash(), []int{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashIsPositionSensitive(t *testing.T) {
	h := newHasher(t, 4)

	// Same block content under different parents must hash differently.
	first, err := h.HashBlock(h.RootHash(), []int{5, 6, 7, 8})
	require.NoError(t, err)
	chained, err := h.HashBlock(first, []int{5, 6, 7, 8})
	require.NoError(t, err)
	assert.NotEqual(t, first, chained)
}

func TestHashSeedChangesChain(t *testing.T) {
	h1, err := tokenhash.NewChainedHasher(&tokenhash.Config{BlockSize: 4, HashSeed: "a"})
	require.NoError(t, err)
	h2, err := tokenhash.NewChainedHasher(&tokenhash.Config{BlockSize: 4, HashSeed: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, h1.RootHash(), h2.RootHash())
}

func TestPrefixHashes(t *testing.T) {
	h := newHasher(t, 4)

	t.Run("FullBlocksOnly", func(t *testing.T) {
		hashes, err := h.PrefixHashes([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
		require.NoError(t, err)
		// 10 tokens, block size 4: two full blocks, trailing 2 tokens unhashed.
		assert.Len(t, hashes, 2)
	})

	t.Run("SharedPrefixSharesChain", func(t *testing.T) {
		a, err := h.PrefixHashes([]int{1, 2, 3, 4, 5, 6, 7, 8})
		require.NoError(t, err)
		b, err := h.PrefixHashes([]int{1, 2, 3, 4, 9, 9, 9, 9})
		require.NoError(t, err)

		assert.Equal(t, a[0], b[0])
		assert.NotEqual(t, a[1], b[1])
	})

	t.Run("ShortPrompt", func(t *testing.T) {
		hashes, err := h.PrefixHashes([]int{1, 2, 3})
		require.NoError(t, err)
		assert.Empty(t, hashes)
	})
}

func TestInvalidConfig(t *testing.T) {
	_, err := tokenhash.NewChainedHasher(&tokenhash.Config{BlockSize: 0})
	assert.Error(t, err)
}
