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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/paged-engine/pkg/engine"
	"github.com/llm-d-incubation/paged-engine/pkg/kvcache/manager"
	"github.com/llm-d-incubation/paged-engine/pkg/kvevents"
	"github.com/llm-d-incubation/paged-engine/pkg/metrics"
	"github.com/llm-d-incubation/paged-engine/pkg/sequence"
)

var (
	configPath     string
	eventsEndpoint string
	engineID       string
	metricsBeat    time.Duration

	// Engine overrides applied on top of the config file.
	blockSize           int
	numGPUBlocks        int
	numCPUBlocks        int
	maxNumSeqs          int
	maxNumBatchedTokens int
	orderingPolicy      string
	preemptionPolicy    string

	// Synthetic workload shape.
	seed            int64
	numRequests     int
	promptLen       int
	sharedPrefixLen int
	maxTokens       int
	parallelism     int
)

var rootCmd = &cobra.Command{
	Use:          "paged-engine",
	Short:        "Continuous-batching engine core with a paged KV cache",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a synthetic workload through the engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			klog.FromContext(ctx).Info("received shutdown signal")
			cancel()
		}()

		return run(ctx)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML engine config file")
	flags.StringVar(&eventsEndpoint, "events-endpoint", "",
		"ZMQ endpoint for KV event publishing; empty disables events")
	flags.StringVar(&engineID, "engine-id", "engine-0", "engine identity in event topics")
	flags.DurationVar(&metricsBeat, "metrics-interval", 0,
		"interval for periodic metrics logging; zero disables")

	flags.IntVar(&blockSize, "block-size", 0, "tokens per KV block")
	flags.IntVar(&numGPUBlocks, "num-gpu-blocks", 0, "device pool size; zero probes the executor")
	flags.IntVar(&numCPUBlocks, "num-cpu-blocks", 0, "host swap tier size")
	flags.IntVar(&maxNumSeqs, "max-num-seqs", 0, "running batch seat limit")
	flags.IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 0, "per-step token budget")
	flags.StringVar(&orderingPolicy, "ordering", "", "admission ordering policy")
	flags.StringVar(&preemptionPolicy, "preemption", "", "preemption policy")

	flags.Int64Var(&seed, "seed", 42, "workload generation seed")
	flags.IntVar(&numRequests, "requests", 64, "number of synthetic requests")
	flags.IntVar(&promptLen, "prompt-len", 256, "prompt length in tokens")
	flags.IntVar(&sharedPrefixLen, "shared-prefix-len", 64,
		"leading tokens shared across all prompts, exercising the prefix cache")
	flags.IntVar(&maxTokens, "max-tokens", 128, "output token cap per request")
	flags.IntVar(&parallelism, "n", 1, "candidate sequences per request")

	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	config, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyOverrides(config)

	var events manager.EventSink
	if eventsEndpoint != "" {
		publisher, err := kvevents.NewPublisher(&kvevents.PublisherConfig{
			Endpoint:      eventsEndpoint,
			EngineID:      engineID,
			ModelName:     config.ModelName,
			BatchSize:     kvevents.DefaultPublisherConfig().BatchSize,
			FlushInterval: kvevents.DefaultPublisherConfig().FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to start event publisher: %w", err)
		}
		defer publisher.Close() //nolint:errcheck
		events = publisher
	}

	executor := engine.NewSimExecutor(nil)
	eng, err := engine.New(ctx, config, executor, events)
	if err != nil {
		return err
	}

	if metricsBeat > 0 {
		metrics.StartMetricsLogging(ctx, metricsBeat)
	}

	if err := submitWorkload(ctx, eng); err != nil {
		return err
	}

	start := time.Now()
	var steps, finished, generated int
	for eng.HasUnfinishedRequests() {
		select {
		case <-ctx.Done():
			logger.Info("interrupted", "finished", finished, "steps", steps)
			return nil
		default:
		}

		outputs, err := eng.Step(ctx)
		if err != nil {
			return err
		}
		steps++
		for _, out := range outputs {
			for _, cand := range out.Outputs {
				generated += len(cand.TokenIDs)
			}
			if out.Finished {
				finished++
			}
		}
	}

	elapsed := time.Since(start)
	logger.Info("workload complete",
		"requests", finished,
		"steps", steps,
		"generatedTokens", generated,
		"elapsed", elapsed.Round(time.Millisecond),
		"tokensPerSec", fmt.Sprintf("%.0f", float64(generated)/elapsed.Seconds()))
	return nil
}

func applyOverrides(config *engine.Config) {
	if blockSize > 0 {
		config.BlockSize = blockSize
	}
	if numGPUBlocks > 0 {
		config.NumGPUBlocks = numGPUBlocks
	}
	if numCPUBlocks > 0 {
		config.NumCPUBlocks = numCPUBlocks
	}
	if maxNumSeqs > 0 {
		config.MaxNumSeqs = maxNumSeqs
	}
	if maxNumBatchedTokens > 0 {
		config.MaxNumBatchedTokens = maxNumBatchedTokens
	}
	if orderingPolicy != "" {
		config.OrderingPolicy = orderingPolicy
	}
	if preemptionPolicy != "" {
		config.PreemptionPolicy = preemptionPolicy
	}
}

// submitWorkload enqueues prompts that share a common prefix, so later
// requests hit the prefix cache populated by earlier ones.
func submitWorkload(ctx context.Context, eng *engine.Engine) error {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible workload

	prefix := make([]int, min(sharedPrefixLen, promptLen))
	for i := range prefix {
		prefix[i] = rng.Intn(30000) + 10
	}

	for i := 0; i < numRequests; i++ {
		prompt := append([]int(nil), prefix...)
		for len(prompt) < promptLen {
			prompt = append(prompt, rng.Intn(30000)+10)
		}

		params := sequence.SamplingParams{N: parallelism, MaxTokens: maxTokens}
		if err := eng.Submit(ctx, fmt.Sprintf("req-%d", i), prompt, params); err != nil {
			return err
		}
	}
	return nil
}
