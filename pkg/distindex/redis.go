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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// RedisIndexConfig points the index at a shared Redis deployment, letting
// several routers consume one cluster-wide mapping.
type RedisIndexConfig struct {
	// Address is the Redis server URL.
	Address string `yaml:"address,omitempty"`
}

// DefaultRedisIndexConfig returns the Redis defaults.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{Address: "redis://127.0.0.1:6379"}
}

// RedisIndex stores each key as a Redis hash whose fields are holder
// entries and whose values are last-update timestamps.
type RedisIndex struct {
	client *redis.Client
}

var _ Index = &RedisIndex{}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(config *RedisIndexConfig) (*RedisIndex, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	opt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisIndex{client: client}, nil
}

// Lookup pipelines one HKeys per key for a single round trip, stopping at
// the first key without holders.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	enginesPerKey := make(map[Key][]string)
	if len(keys) == 0 {
		return enginesPerKey, nil
	}
	logger := klog.FromContext(ctx).WithName("distindex.redis")

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HKeys(ctx, key.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	filter := engineFilter.Len() > 0
	for i, cmd := range cmds {
		key := keys[i]
		fields, err := cmd.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logger.Error(err, "failed to get holders for key", "key", key.String())
			}
			return enginesPerKey, nil
		}

		var engines []string
		for _, field := range fields {
			engineID := strings.SplitN(field, "@", 2)[0]
			if !filter || engineFilter.Has(engineID) {
				engines = append(engines, engineID)
			}
		}
		if len(engines) == 0 {
			return enginesPerKey, nil
		}
		enginesPerKey[key] = engines
	}
	return enginesPerKey, nil
}

// Add pipelines HSet calls recording each holder with an update timestamp.
func (r *RedisIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return nil
	}

	now := time.Now().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	for _, key := range keys {
		redisKey := key.String()
		for _, entry := range entries {
			pipe.HSet(ctx, redisKey, entry.String(), now)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to redis: %w", err)
	}
	return nil
}

// Evict pipelines HDel calls removing each holder field.
func (r *RedisIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	redisKey := key.String()
	pipe := r.client.Pipeline()
	for _, entry := range entries {
		pipe.HDel(ctx, redisKey, entry.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict entries from redis: %w", err)
	}
	return nil
}
