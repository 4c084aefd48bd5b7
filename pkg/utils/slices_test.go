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

package utils_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d-incubation/paged-engine/pkg/utils"
)

func TestSliceMap(t *testing.T) {
	assert.Nil(t, utils.SliceMap(nil, func(i int) int { return i }))

	got := utils.SliceMap([]int{1, 2, 3}, strconv.Itoa)
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestSliceFilter(t *testing.T) {
	assert.Nil(t, utils.SliceFilter(nil, func(int) bool { return true }))

	got := utils.SliceFilter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	assert.Equal(t, []int{2, 4}, got)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 0, utils.CeilDiv(0, 16))
	assert.Equal(t, 1, utils.CeilDiv(1, 16))
	assert.Equal(t, 1, utils.CeilDiv(16, 16))
	assert.Equal(t, 2, utils.CeilDiv(17, 16))
}
