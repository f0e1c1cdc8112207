// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	writePublished    = "published"
	writeDeduplicated = "deduplicated"
	writeFailed       = "failed"

	removedScratch  = "scratch"
	removedArtifact = "artifact"
)

var (
	lockedPaths = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_store_locked_paths",
			Help: "Number of store paths with at least one open handle.",
		},
	)

	excessLockFrees = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_store_excess_lock_frees_total",
			Help: "Releases of store paths that held no lock. Nonzero indicates an accounting bug.",
		},
	)

	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_store_writes_total",
			Help: "Completed store writes, by outcome.",
		},
		[]string{"outcome"},
	)

	removedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_store_removed_files_total",
			Help: "Files removed by sweep and collect, by kind.",
		},
		[]string{"kind"},
	)

	removedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_store_removed_bytes_total",
			Help: "Bytes reclaimed by sweep and collect.",
		},
	)
)

func init() {
	prometheus.MustRegister(lockedPaths)
	prometheus.MustRegister(excessLockFrees)
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(removedTotal)
	prometheus.MustRegister(removedBytes)

	for _, outcome := range []string{writePublished, writeDeduplicated, writeFailed} {
		writesTotal.WithLabelValues(outcome)
	}
	removedTotal.WithLabelValues(removedScratch)
	removedTotal.WithLabelValues(removedArtifact)
}
