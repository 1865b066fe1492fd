// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package historical

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	patchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histstore_patch_operations_total",
		Help: "Patch operations by collection and outcome",
	}, []string{"collection", "outcome"})

	reconstructDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histstore_reconstruction_duration_seconds",
		Help:    "Time to reconstruct a past record state",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"collection", "mode", "status"})

	chainDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histstore_chain_walk_depth",
		Help:    "Delta entries visited per chain walk",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	}, []string{"collection", "mode"})

	chainAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histstore_chain_anomalies_total",
		Help: "Chain-integrity anomalies tolerated during walks",
	}, []string{"collection", "kind"})

	markedDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histstore_marked_deleted_total",
		Help: "Records flagged deleted by the bulk coordinator",
	}, []string{"collection"})
)
