// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for spawn results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_sandbox_spawns_total",
			Help: "Total number of sandbox spawn requests, by result.",
		},
		[]string{"result"},
	)

	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_sandbox_spawn_seconds",
			Help:    "Duration from spawn request to sandbox ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_sandbox_active_clients",
			Help: "Number of open sandbox client channels.",
		},
	)
)

func init() {
	prometheus.MustRegister(spawnsTotal)
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(activeSandboxes)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	spawnsTotal.WithLabelValues(resultSuccess)
	spawnsTotal.WithLabelValues(resultFailure)
}
