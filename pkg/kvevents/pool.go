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
	"context"
	"hash/fnv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/distindex"
	"github.com/llm-d-incubation/paged-engine/pkg/utils"
	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

// PoolConfig configures the consumer-side event pool.
type PoolConfig struct {
	// Endpoint is the ZMQ address to bind for subscriptions.
	Endpoint string `yaml:"endpoint"`
	// TopicFilter is the ZMQ subscription prefix.
	TopicFilter string `yaml:"topicFilter"`
	// Concurrency is the number of worker shards.
	Concurrency int `yaml:"concurrency"`
}

// DefaultPoolConfig returns pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Endpoint:    "tcp://*:5557",
		TopicFilter: "kv@",
		Concurrency: 4,
	}
}

// Message is one raw frame received from a publisher.
type Message struct {
	Topic   string
	Payload []byte
	Seq     uint64
	// EngineID and ModelName are extracted from the topic.
	EngineID  string
	ModelName string
}

// Pool consumes engine event streams and keeps the distributed index
// current. Work is sharded by engine id, so one engine's events apply in
// publication order.
type Pool struct {
	queues     []workqueue.TypedRateLimitingInterface[*Message]
	subscriber *zmqSubscriber
	index      distindex.Index
	wg         sync.WaitGroup
}

// NewPool creates a sharded pool feeding the given index; nil config gets
// defaults.
func NewPool(config *PoolConfig, index distindex.Index) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}

	p := &Pool{
		queues: make([]workqueue.TypedRateLimitingInterface[*Message], config.Concurrency),
		index:  index,
	}
	for i := range p.queues {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}
	p.subscriber = newZMQSubscriber(p, config.Endpoint, config.TopicFilter)
	return p
}

// Start launches the workers and the subscriber. Non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("starting event pool", "workers", len(p.queues))

	p.wg.Add(len(p.queues))
	for i := range p.queues {
		go p.worker(ctx, i)
	}
	go p.subscriber.Start(ctx)
}

// Shutdown drains the queues and waits for the workers.
func (p *Pool) Shutdown(ctx context.Context) {
	for _, queue := range p.queues {
		queue.ShutDown()
	}
	p.wg.Wait()
	klog.FromContext(ctx).Info("event pool shut down")
}

// AddTask routes a message to its engine's shard.
func (p *Pool) AddTask(task *Message) {
	p.shardFor(task.EngineID).Add(task)
}

// shardFor maps an engine id to its queue, keeping one engine's events in
// publication order.
func (p *Pool) shardFor(engineID string) workqueue.TypedRateLimitingInterface[*Message] {
	h := fnv.New32a()
	h.Write([]byte(engineID)) //nolint:errcheck // hash.Hash never errors
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

func (p *Pool) worker(ctx context.Context, shard int) {
	defer p.wg.Done()
	queue := p.queues[shard]

	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *Message) {
			defer queue.Done(task)
			p.processMessage(ctx, task)
			queue.Forget(task)
		}(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processMessage decodes the payload and applies its events to the index.
// Undecodable messages are dropped rather than retried: a poison frame
// never becomes valid.
func (p *Pool) processMessage(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("processing event batch", "topic", msg.Topic, "seq", msg.Seq)

	var batch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &batch); err != nil {
		debugLogger.Error(err, "failed to unmarshal event batch, dropping")
		return
	}

	holders := []distindex.EngineEntry{{EngineID: msg.EngineID, Tier: "gpu"}}
	for _, raw := range batch.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			debugLogger.Error(err, "skipping undecodable event")
			continue
		}
		p.applyEvent(ctx, msg.ModelName, ev, holders)
	}
}

func (p *Pool) applyEvent(ctx context.Context, modelName string, ev event,
	holders []distindex.EngineEntry,
) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	switch ev := ev.(type) {
	case BlockStored:
		keys := utils.SliceMap(ev.BlockHashes, func(hash uint64) distindex.Key {
			return distindex.Key{ModelName: modelName, BlockHash: hash}
		})
		if err := p.index.Add(ctx, keys, holders); err != nil {
			debugLogger.Error(err, "failed to add blocks to index", "blocks", len(keys))
		}
	case BlockRemoved:
		for _, hash := range ev.BlockHashes {
			key := distindex.Key{ModelName: modelName, BlockHash: hash}
			if err := p.index.Evict(ctx, key, holders); err != nil {
				debugLogger.Error(err, "failed to evict block from index", "key", key.String())
			}
		}
	case AllBlocksCleared:
		// No per-key form; the engine's entries age out of the index.
	default:
		debugLogger.Info("ignoring unhandled event", "event", ev)
	}
}
