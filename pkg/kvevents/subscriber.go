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
	"encoding/binary"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/utils/logging"
)

const (
	pollTimeout  = 250 * time.Millisecond
	retryBackoff = 5 * time.Second
)

// zmqSubscriber binds a SUB socket and feeds received frames into the pool.
// The subscriber binds and publishers connect, so restarting the index does
// not require restarting every engine.
type zmqSubscriber struct {
	pool        *Pool
	endpoint    string
	topicFilter string
}

func newZMQSubscriber(pool *Pool, endpoint, topicFilter string) *zmqSubscriber {
	return &zmqSubscriber{
		pool:        pool,
		endpoint:    endpoint,
		topicFilter: topicFilter,
	}
}

// Start runs the receive loop until the context is cancelled, recreating
// the socket after failures.
func (s *zmqSubscriber) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.run(ctx); err != nil {
			logger.Error(err, "subscriber loop failed, retrying", "backoff", retryBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
		}
	}
}

func (s *zmqSubscriber) run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("zmq-subscriber")

	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer func() {
		if err := socket.Close(); err != nil {
			logger.Error(err, "failed to close SUB socket")
		}
	}()

	if err := socket.Bind(s.endpoint); err != nil {
		return err
	}
	if err := socket.SetSubscribe(s.topicFilter); err != nil {
		return err
	}
	logger.Info("listening for events", "endpoint", s.endpoint, "topicFilter", s.topicFilter)

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			return err
		}
		if len(polled) == 0 {
			continue
		}

		frames, err := socket.RecvMessageBytes(0)
		if err != nil {
			logger.Error(err, "failed to receive message")
			continue
		}
		s.handleFrames(ctx, frames)
	}
}

// handleFrames parses one 3-part message: topic, 8-byte big-endian sequence
// number, msgpack payload.
func (s *zmqSubscriber) handleFrames(ctx context.Context, frames [][]byte) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	if len(frames) != 3 {
		debugLogger.Info("dropping malformed message", "frames", len(frames))
		return
	}

	topic := string(frames[0])
	seqBytes := frames[1]
	payload := frames[2]

	if len(seqBytes) != 8 {
		debugLogger.Info("dropping message with malformed sequence frame", "topic", topic)
		return
	}
	seq := binary.BigEndian.Uint64(seqBytes)

	// Topic format: kv@<engine-id>@<model>. Model names may themselves
	// contain "@", so split only twice.
	parts := strings.SplitN(topic, "@", 3)
	if len(parts) < 3 {
		debugLogger.Info("dropping message with malformed topic", "topic", topic)
		return
	}

	s.pool.AddTask(&Message{
		Topic:     topic,
		Payload:   payload,
		Seq:       seq,
		EngineID:  parts[1],
		ModelName: parts[2],
	})
}
