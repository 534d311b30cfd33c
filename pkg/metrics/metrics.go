/*
Copyright The Volcano Authors.

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

// Package metrics holds the Prometheus collectors for sandbox resolution,
// creation retries and background provisioning.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

const namespace = "sandboxkeeper"

// Creation attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
	OutcomeSkipped     = "skipped"
	OutcomeTimeout     = "timeout"
)

var (
	CreateAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_create_attempts_total",
		Help:      "Sandbox creation attempts against the provider, by outcome.",
	}, []string{"outcome"})

	CreateBackoffSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_create_backoff_seconds",
		Help:      "Backoff slept before retrying a rate-limited creation.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
	})

	Resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolves_total",
		Help:      "Sandbox resolutions, by the tier that answered.",
	}, []string{"source"})

	ResolveErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_errors_total",
		Help:      "Failed sandbox resolutions, by reason.",
	}, []string{"reason"})

	StoreUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_unavailable_total",
		Help:      "Durable store operations that failed and were degraded.",
	}, []string{"op"})

	BackgroundSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "background_steps_total",
		Help:      "Background provisioning steps, by step and outcome.",
	}, []string{"step", "outcome"})

	BackgroundInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "background_runs_in_flight",
		Help:      "Background provisioning runs currently executing.",
	})
)

func init() {
	prometheus.MustRegister(
		CreateAttempts,
		CreateBackoffSeconds,
		Resolves,
		ResolveErrors,
		StoreUnavailable,
		BackgroundSteps,
		BackgroundInFlight,
	)
}

// CacheStatsFunc reports the current process-local cache stats.
type CacheStatsFunc func() types.CacheStats

// RegisterCacheCollectors exposes cache entry counts as gauges. Registering
// twice with the same registerer is a no-op.
func RegisterCacheCollectors(reg prometheus.Registerer, stats CacheStatsFunc) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries held by the process-local cache.",
		}, func() float64 { return float64(stats().TotalEntries) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_valid_entries",
			Help:      "Unexpired entries held by the process-local cache.",
		}, func() float64 { return float64(stats().ValidEntries) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
