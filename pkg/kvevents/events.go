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

// Package kvevents carries KV-cache block lifecycle events between engine
// instances and index consumers over ZMQ, in vLLM's msgpack wire format:
// batches of tagged-union events on "kv@<engine-id>@<model>" topics.
package kvevents

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// BlockStoredEventTag tags BlockStored events.
	BlockStoredEventTag = "BlockStored"
	// BlockRemovedEventTag tags BlockRemoved events.
	BlockRemovedEventTag = "BlockRemoved"
	// AllBlocksClearedEventTag tags AllBlocksCleared events.
	AllBlocksClearedEventTag = "AllBlocksCleared"
)

// event is the closed set of wire events.
type event interface {
	isEvent()
	// ToTaggedUnion renders the event as vLLM's [tag, fields...] array.
	ToTaggedUnion() []any
}

// EventBatch groups events published together. Encoded as an array to
// match vLLM's format.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// BlockStored announces freshly sealed blocks and their hash-chain parent.
type BlockStored struct {
	_               struct{} `msgpack:",array"`
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIDs        []uint32
	BlockSize       int
	LoraID          *int
}

func (bs BlockStored) ToTaggedUnion() []any {
	return []any{BlockStoredEventTag, bs.BlockHashes, bs.ParentBlockHash,
		bs.TokenIDs, bs.BlockSize, bs.LoraID}
}

func (BlockStored) isEvent() {}

// BlockRemoved announces evicted blocks.
type BlockRemoved struct {
	_           struct{} `msgpack:",array"`
	BlockHashes []uint64
}

func (br BlockRemoved) ToTaggedUnion() []any {
	return []any{BlockRemovedEventTag, br.BlockHashes}
}

func (BlockRemoved) isEvent() {}

// AllBlocksCleared announces a full cache reset.
type AllBlocksCleared struct {
	_ struct{} `msgpack:",array"`
}

func (ac AllBlocksCleared) ToTaggedUnion() []any {
	return []any{AllBlocksClearedEventTag}
}

func (AllBlocksCleared) isEvent() {}

// marshalTaggedUnion encodes an event for inclusion in a batch.
func marshalTaggedUnion(ev event) (msgpack.RawMessage, error) {
	return msgpack.Marshal(ev.ToTaggedUnion())
}

// decodeEvent parses one tagged-union event out of a batch.
func decodeEvent(raw msgpack.RawMessage) (event, error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("malformed tagged union: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("tagged union has no tag element")
	}

	var tag string
	if err := msgpack.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("malformed event tag: %w", err)
	}

	// The payload struct decodes from an array of the remaining parts.
	payload, err := msgpack.Marshal(parts[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal event payload: %w", err)
	}

	switch tag {
	case BlockStoredEventTag:
		var bs BlockStored
		if err := msgpack.Unmarshal(payload, &bs); err != nil {
			return nil, fmt.Errorf("malformed BlockStored event: %w", err)
		}
		return bs, nil
	case BlockRemovedEventTag:
		var br BlockRemoved
		if err := msgpack.Unmarshal(payload, &br); err != nil {
			return nil, fmt.Errorf("malformed BlockRemoved event: %w", err)
		}
		return br, nil
	case AllBlocksClearedEventTag:
		return AllBlocksCleared{}, nil
	default:
		return nil, fmt.Errorf("unknown event tag %q", tag)
	}
}
