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

package prefixindex

import (
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/blockpool"
	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
)

// NewInstrumentedIndex wraps an Index with hit/miss metric recording.
func NewInstrumentedIndex(inner Index) Index {
	return &instrumentedIndex{inner: inner}
}

type instrumentedIndex struct {
	inner Index
}

var _ Index = &instrumentedIndex{}

func (i *instrumentedIndex) Lookup(hash uint64) (blockpool.BlockID, bool) {
	metrics.PrefixLookups.Inc()
	id, ok := i.inner.Lookup(hash)
	if ok {
		metrics.PrefixHits.Inc()
	}
	return id, ok
}

func (i *instrumentedIndex) Insert(hash uint64, id blockpool.BlockID) {
	i.inner.Insert(hash, id)
}

func (i *instrumentedIndex) Invalidate(hash uint64) {
	i.inner.Invalidate(hash)
}

func (i *instrumentedIndex) Len() int {
	return i.inner.Len()
}
