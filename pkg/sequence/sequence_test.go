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

package sequence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
)

func TestSequenceTokenAccounting(t *testing.T) {
	seq := sequence.New(1, []int{10, 11, 12, 13, 14})

	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.NumPromptTokens())
	assert.Equal(t, 0, seq.NumCompletionTokens())
	assert.Equal(t, 14, seq.LastToken())

	seq.AppendToken(15)
	assert.Equal(t, 6, seq.Len())
	assert.Equal(t, 1, seq.NumCompletionTokens())
	assert.Equal(t, []int{15}, seq.CompletionTokenIDs())
}

func TestSequenceBlockArithmetic(t *testing.T) {
	seq := sequence.New(1, []int{1, 2, 3, 4, 5, 6})

	assert.Equal(t, 2, seq.NumBlocks(4))
	assert.Equal(t, []int{1, 2, 3, 4}, seq.BlockTokens(0, 4))
	assert.Equal(t, []int{5, 6}, seq.BlockTokens(1, 4))
	assert.Nil(t, seq.BlockTokens(2, 4))
}

func TestSequenceFinishIsIdempotent(t *testing.T) {
	seq := sequence.New(1, []int{1})

	seq.Finish(sequence.FinishLength)
	seq.Finish(sequence.FinishAborted)

	assert.True(t, seq.IsFinished())
	assert.Equal(t, sequence.FinishLength, seq.FinishReason())
}

func TestSequenceFork(t *testing.T) {
	parent := sequence.New(1, []int{1, 2, 3})
	parent.AppendToken(4)

	child := parent.Fork(2)
	child.AppendToken(5)

	assert.Equal(t, int64(2), child.ID())
	assert.Equal(t, 4, parent.Len())
	assert.Equal(t, 5, child.Len())
	assert.Equal(t, 3, child.NumPromptTokens())
}

func TestGroupLifecycle(t *testing.T) {
	prompt := []int{1, 2, 3}
	g := sequence.NewGroup("req-0", prompt, sequence.DefaultSamplingParams(), 7,
		sequence.New(1, prompt), sequence.New(2, prompt))

	assert.Equal(t, 2, g.NumSeqs())
	assert.Equal(t, 2, g.NumUnfinished())
	assert.False(t, g.IsFinished())
	assert.Equal(t, sequence.StatusWaiting, g.Status)

	g.Seqs[0].Finish(sequence.FinishStopToken)
	assert.Equal(t, 1, g.NumUnfinished())
	assert.Len(t, g.UnfinishedSeqs(), 1)

	g.Seqs[1].Finish(sequence.FinishLength)
	assert.True(t, g.IsFinished())

	assert.Nil(t, g.Find(99))
	assert.Equal(t, int64(1), g.Find(1).ID())
}

func TestGroupPromptHash(t *testing.T) {
	a := sequence.NewGroup("a", []int{1, 2, 3}, sequence.DefaultSamplingParams(), 0)
	b := sequence.NewGroup("b", []int{1, 2, 3}, sequence.DefaultSamplingParams(), 1)
	c := sequence.NewGroup("c", []int{3, 2, 1}, sequence.DefaultSamplingParams(), 2)

	assert.Equal(t, a.PromptHash(), b.PromptHash())
	assert.NotEqual(t, a.PromptHash(), c.PromptHash())
}

func TestSamplingParamsValidate(t *testing.T) {
	p := sequence.DefaultSamplingParams()
	assert.NoError(t, p.Validate())

	p.N = 0
	assert.Error(t, p.Validate())

	p = sequence.DefaultSamplingParams()
	p.MaxTokens = 0
	assert.Error(t, p.Validate())
}
