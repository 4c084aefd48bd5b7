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

package kvevents

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
	"github.com/llm-d-incubation/paged-engine/pkg/utils"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

// PublisherConfig configures the engine-side event publisher.
type PublisherConfig struct {
	// Endpoint is the ZMQ address the subscriber side binds
	// (e.g. "tcp://indexer:5557").
	Endpoint string `yaml:"endpoint"`
	// EngineID identifies this engine instance in topics.
	EngineID string `yaml:"engineID"`
	// ModelName is the served model, included in topics.
	ModelName string `yaml:"modelName"`
	// BatchSize flushes the pending buffer when reached.
	BatchSize int `yaml:"batchSize"`
	// FlushInterval flushes the pending buffer periodically.
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// DefaultPublisherConfig returns publisher defaults.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Endpoint:      "tcp://localhost:5557",
		EngineID:      "engine-0",
		ModelName:     "default/model",
		BatchSize:     128,
		FlushInterval: 100 * time.Millisecond,
	}
}

// transport sends one framed message. Split from Publisher so tests can
// capture frames without a socket.
type transport interface {
	send(topic string, seq uint64, payload []byte) error
	close() error
}

type zmqTransport struct {
	socket *zmq.Socket
}

func newZMQTransport(endpoint string) (*zmqTransport, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", endpoint, err)
	}
	return &zmqTransport{socket: socket}, nil
}

func (t *zmqTransport) send(topic string, seq uint64, payload []byte) error {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	_, err := t.socket.SendMessage(topic, seqBytes[:], payload)
	return err
}

func (t *zmqTransport) close() error { return t.socket.Close() }

// Publisher buffers block lifecycle events and publishes them in batches
// over ZMQ PUB. It plugs into the block space manager as its event sink.
type Publisher struct {
	config    *PublisherConfig
	transport transport
	topic     string

	mu      sync.Mutex
	pending []event
	seq     uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ manager.EventSink = &Publisher{}

// NewPublisher connects the publisher and starts its flush loop; nil
// config gets defaults.
func NewPublisher(config *PublisherConfig) (*Publisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	tr, err := newZMQTransport(config.Endpoint)
	if err != nil {
		return nil, err
	}
	return newPublisherWithTransport(config, tr), nil
}

func newPublisherWithTransport(config *PublisherConfig, tr transport) *Publisher {
	p := &Publisher{
		config:    config,
		transport: tr,
		topic:     fmt.Sprintf("kv@%s@%s", config.EngineID, config.ModelName),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.flushLoop()
	return p
}

// BlockStored enqueues a block-sealed event.
func (p *Publisher) BlockStored(blockHash, parentHash uint64, tokens []int, blockSize int) {
	parent := parentHash
	p.enqueue(BlockStored{
		BlockHashes:     []uint64{blockHash},
		ParentBlockHash: &parent,
		TokenIDs:        utils.SliceMap(tokens, func(t int) uint32 { return uint32(t) }), // #nosec G115
		BlockSize:       blockSize,
	})
}

// BlockRemoved enqueues a block-evicted event.
func (p *Publisher) BlockRemoved(blockHash uint64) {
	p.enqueue(BlockRemoved{BlockHashes: []uint64{blockHash}})
}

func (p *Publisher) enqueue(ev event) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	flush := len(p.pending) >= p.config.BatchSize
	p.mu.Unlock()

	if flush {
		p.Flush()
	}
}

// Flush publishes all pending events as one batch.
func (p *Publisher) Flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	events := p.pending
	p.pending = nil
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	logger := klog.Background().WithName("kvevents-publisher")

	raws := make([]msgpack.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := marshalTaggedUnion(ev)
		if err != nil {
			logger.Error(err, "failed to marshal event, dropping")
			continue
		}
		raws = append(raws, raw)
	}

	batch := EventBatch{
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Events: raws,
	}
	payload, err := msgpack.Marshal(&batch)
	if err != nil {
		logger.Error(err, "failed to marshal event batch, dropping", "events", len(raws))
		return
	}

	if err := p.transport.send(p.topic, seq, payload); err != nil {
		// PUB drops on slow subscribers anyway; the index self-heals on
		// later events.
		logger.Error(err, "failed to publish event batch", "seq", seq)
		return
	}
	logger.V(logging.TRACE).Info("published event batch", "seq", seq, "events", len(raws))
}

func (p *Publisher) flushLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Flush()
		case <-p.stop:
			p.Flush()
			return
		}
	}
}

// Close flushes pending events and releases the socket.
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	return p.transport.close()
}
