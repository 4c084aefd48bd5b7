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

// EventSink receives block lifecycle notifications. Implementations must
// not block: the sink is invoked on the scheduling hot path.
type EventSink interface {
	// BlockStored reports a full block entering the prefix cache.
	BlockStored(blockHash, parentHash uint64, tokens []int, blockSize int)
	// BlockRemoved reports a cached block evicted from the pool.
	BlockRemoved(blockHash uint64)
}

type noopSink struct{}

func (noopSink) BlockStored(uint64, uint64, []int, int) {}
func (noopSink) BlockRemoved(uint64)                    {}
