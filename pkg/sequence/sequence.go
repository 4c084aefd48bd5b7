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

// Package sequence defines the request-side data model: candidate
// generation sequences, sequence groups and their scheduling lifecycle.
package sequence

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/utils"
)

// Status is the scheduling state of a sequence group.
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusSwapped
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// FinishReason records why a sequence stopped generating.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishLength
	FinishStopToken
	FinishAborted
	FinishError
	// FinishPromptTooLong rejects a prompt that can never fit this
	// deployment's pool or per-step token budget. Distinct from
	// FinishError so callers can tell a sizing problem from an engine
	// failure.
	FinishPromptTooLong
)

func (r FinishReason) String() string {
	switch r {
	case FinishNone:
		return "none"
	case FinishLength:
		return "length"
	case FinishStopToken:
		return "stop"
	case FinishAborted:
		return "abort"
	case FinishError:
		return "error"
	case FinishPromptTooLong:
		return "prompt-too-long"
	default:
		return "unknown"
	}
}

// SamplingParams is the subset of request sampling parameters the scheduler
// cares about.
type SamplingParams struct {
	// N is the number of candidate sequences sampled in parallel.
	N int `json:"n"`
	// Temperature is carried through to the executor untouched.
	Temperature float64 `json:"temperature"`
	// MaxTokens bounds the number of completion tokens per sequence.
	MaxTokens int `json:"maxTokens"`
	// IgnoreEOS keeps generating past the EOS token (benchmarking aid).
	IgnoreEOS bool `json:"ignoreEOS"`
	// StopTokenIDs finish a sequence when sampled.
	StopTokenIDs []int `json:"stopTokenIds"`
}

// DefaultSamplingParams returns single-sequence greedy-ish defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		N:           1,
		Temperature: 1.0,
		MaxTokens:   16,
	}
}

// Validate rejects parameter combinations the engine cannot schedule.
func (p SamplingParams) Validate() error {
	if p.N < 1 {
		return fmt.Errorf("n must be at least 1, got %d", p.N)
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("maxTokens must be at least 1, got %d", p.MaxTokens)
	}
	return nil
}

// Sequence is one candidate generation stream. Token state here is purely
// logical; physical block placement lives in the block space manager.
type Sequence struct {
	id              int64
	tokens          []int
	numPromptTokens int

	// NumCachedTokens counts leading prompt tokens satisfied from the
	// prefix cache at allocation time. Set by the block space manager.
	NumCachedTokens int

	finishReason FinishReason
	finished     bool
}

// New creates a sequence over a copy of the prompt tokens.
func New(id int64, prompt []int) *Sequence {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)
	return &Sequence{
		id:              id,
		tokens:          tokens,
		numPromptTokens: len(prompt),
	}
}

// ID returns the logical sequence id.
func (s *Sequence) ID() int64 { return s.id }

// Len returns the total number of tokens (prompt + completion).
func (s *Sequence) Len() int { return len(s.tokens) }

// NumPromptTokens returns the prompt length.
func (s *Sequence) NumPromptTokens() int { return s.numPromptTokens }

// NumCompletionTokens returns the number of generated tokens.
func (s *Sequence) NumCompletionTokens() int { return len(s.tokens) - s.numPromptTokens }

// TokenIDs returns the sequence's tokens. The slice is the internal
// storage; callers must not mutate it.
func (s *Sequence) TokenIDs() []int { return s.tokens }

// CompletionTokenIDs returns the generated tokens only.
func (s *Sequence) CompletionTokenIDs() []int { return s.tokens[s.numPromptTokens:] }

// LastToken returns the most recent token.
func (s *Sequence) LastToken() int { return s.tokens[len(s.tokens)-1] }

// AppendToken appends a sampled token to the logical state.
func (s *Sequence) AppendToken(tokenID int) {
	s.tokens = append(s.tokens, tokenID)
}

// BlockTokens returns the tokens covered by the i-th block of the given
// block size; the last block may be partial.
func (s *Sequence) BlockTokens(i, blockSize int) []int {
	start := i * blockSize
	if start >= len(s.tokens) {
		return nil
	}
	end := start + blockSize
	if end > len(s.tokens) {
		end = len(s.tokens)
	}
	return s.tokens[start:end]
}

// NumBlocks returns the number of blocks needed to hold the sequence.
func (s *Sequence) NumBlocks(blockSize int) int {
	return (len(s.tokens) + blockSize - 1) / blockSize
}

// Finish marks the sequence finished with a reason. Idempotent: the first
// reason wins.
func (s *Sequence) Finish(reason FinishReason) {
	if s.finished {
		return
	}
	s.finished = true
	s.finishReason = reason
}

// IsFinished reports whether the sequence stopped generating.
func (s *Sequence) IsFinished() bool { return s.finished }

// FinishReason returns why the sequence finished, or FinishNone.
func (s *Sequence) FinishReason() FinishReason { return s.finishReason }

// Fork returns a copy of the sequence under a new id, sharing no mutable
// state. Physical block sharing is the block space manager's concern.
func (s *Sequence) Fork(newID int64) *Sequence {
	tokens := make([]int, len(s.tokens))
	copy(tokens, s.tokens)
	return &Sequence{
		id:              newID,
		tokens:          tokens,
		numPromptTokens: s.numPromptTokens,
		NumCachedTokens: s.NumCachedTokens,
	}
}

// Group is a client request with its candidate sequences.
type Group struct {
	RequestID string
	Seqs      []*Sequence
	Params    SamplingParams

	// ArrivalTime is a monotonic admission-ordering timestamp assigned by
	// the engine.
	ArrivalTime int64
	Priority    float64
	Status      Status

	prompt     []int
	promptHash uint64
}

// NewGroup creates a group over the prompt with pre-built sequences.
func NewGroup(requestID string, prompt []int, params SamplingParams, arrival int64, seqs ...*Sequence) *Group {
	return &Group{
		RequestID:   requestID,
		Seqs:        seqs,
		Params:      params,
		ArrivalTime: arrival,
		Status:      StatusWaiting,
		prompt:      prompt,
		promptHash:  hashPrompt(prompt),
	}
}

// hashPrompt digests the prompt token ids for cheap identity logging.
func hashPrompt(prompt []int) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, tok := range prompt {
		binary.LittleEndian.PutUint64(buf[:], uint64(tok))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// PromptTokens returns the request prompt.
func (g *Group) PromptTokens() []int { return g.prompt }

// PromptHash returns the xxhash digest of the prompt token ids.
func (g *Group) PromptHash() uint64 { return g.promptHash }

// NumSeqs returns the number of candidate sequences.
func (g *Group) NumSeqs() int { return len(g.Seqs) }

// UnfinishedSeqs returns the sequences still generating.
func (g *Group) UnfinishedSeqs() []*Sequence {
	return utils.SliceFilter(g.Seqs, func(s *Sequence) bool { return !s.IsFinished() })
}

// NumUnfinished returns the count of sequences still generating.
func (g *Group) NumUnfinished() int {
	n := 0
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			n++
		}
	}
	return n
}

// IsFinished reports whether every sequence in the group finished.
func (g *Group) IsFinished() bool { return g.NumUnfinished() == 0 }

// Find returns the sequence with the given id, or nil.
func (g *Group) Find(seqID int64) *Sequence {
	for _, s := range g.Seqs {
		if s.ID() == seqID {
			return s
		}
	}
	return nil
}

func (g *Group) String() string {
	return fmt.Sprintf("Group(request=%s, status=%s, seqs=%d, arrival=%d)",
		g.RequestID, g.Status, len(g.Seqs), g.ArrivalTime)
}
