// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// BlockAllocations counts physical blocks handed out by the pool.
	BlockAllocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "blockpool", Name: "allocations_total",
		Help: "Total number of physical block allocations",
	})
	// BlockEvictions counts cached blocks recycled under memory pressure.
	BlockEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "blockpool", Name: "evictions_total",
		Help: "Total number of cached block evictions",
	})

	// PrefixLookups counts prefix-cache index lookups.
	PrefixLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "prefix_cache", Name: "lookups_total",
		Help: "Total number of prefix-cache lookups",
	})
	// PrefixHits counts prefix-cache lookups that resolved to a live block.
	PrefixHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "prefix_cache", Name: "hits_total",
		Help: "Number of prefix-cache lookups that hit a cached block",
	})

	// PreemptionsSwap counts sequence groups preempted via swap-out.
	PreemptionsSwap = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "preemptions_swap_total",
		Help: "Number of sequence groups preempted by swapping to host memory",
	})
	// PreemptionsRecompute counts sequence groups preempted via recompute.
	PreemptionsRecompute = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "preemptions_recompute_total",
		Help: "Number of sequence groups preempted by discarding progress",
	})

	// WaitingGroups gauges the WAITING queue depth.
	WaitingGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "waiting_groups",
		Help: "Sequence groups currently waiting for admission",
	})
	// RunningGroups gauges the RUNNING set size.
	RunningGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "running_groups",
		Help: "Sequence groups currently running",
	})
	// SwappedGroups gauges the SWAPPED queue depth.
	SwappedGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "swapped_groups",
		Help: "Sequence groups currently swapped out to host memory",
	})

	// DistIndexLookups counts distributed-index lookups.
	DistIndexLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "dist_index", Name: "lookups_total",
		Help: "Total number of distributed block-index lookups",
	})
	// DistIndexHits counts distributed-index lookups that located at least
	// one engine.
	DistIndexHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paged_engine", Subsystem: "dist_index", Name: "hits_total",
		Help: "Number of distributed block-index lookups that found an engine",
	})

	// StepLatency logs latency of full scheduling steps.
	StepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paged_engine", Subsystem: "scheduler", Name: "step_latency_seconds",
		Help:    "Latency of scheduling steps in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BlockAllocations, BlockEvictions,
		PrefixLookups, PrefixHits,
		PreemptionsSwap, PreemptionsRecompute,
		WaitingGroups, RunningGroups, SwappedGroups,
		DistIndexLookups, DistIndexHits,
		StepLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the controller-runtime registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func logMetrics(ctx context.Context) {
	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"allocations", counterValue(BlockAllocations),
		"evictions", counterValue(BlockEvictions),
		"prefix_lookups", counterValue(PrefixLookups),
		"prefix_hits", counterValue(PrefixHits),
		"preemptions_swap", counterValue(PreemptionsSwap),
		"preemptions_recompute", counterValue(PreemptionsRecompute),
	)
}
