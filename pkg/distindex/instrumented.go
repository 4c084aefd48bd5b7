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

package distindex

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
)

// instrumentedIndex decorates an Index with lookup and hit counters.
type instrumentedIndex struct {
	Index
}

// NewInstrumentedIndex wraps the given backend with metrics recording.
func NewInstrumentedIndex(index Index) Index {
	return &instrumentedIndex{Index: index}
}

func (i *instrumentedIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	metrics.DistIndexLookups.Add(float64(len(keys)))

	result, err := i.Index.Lookup(ctx, keys, engineFilter)
	if err != nil {
		return nil, err
	}
	metrics.DistIndexHits.Add(float64(len(result)))
	return result, nil
}
