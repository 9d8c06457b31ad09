// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kraklabs/acat/pkg/hashing"
)

// Metrics are the Prometheus collectors updated by the pipeline.
type Metrics struct {
	Runs             *prometheus.CounterVec
	Candidates       *prometheus.CounterVec
	Duplicates       *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	HashCacheLookups *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acat_ingest_runs_total",
			Help: "Ingestion runs by outcome.",
		}, []string{"outcome"}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acat_ingest_candidates_total",
			Help: "Classified candidates by artifact type.",
		}, []string{"type"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acat_ingest_duplicates_total",
			Help: "Excluded duplicates by dedup stage.",
		}, []string{"stage"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acat_ingest_errors_total",
			Help: "Per-candidate errors by kind.",
		}, []string{"kind"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "acat_ingest_run_duration_seconds",
			Help:    "Wall time of ingestion runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		HashCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acat_hash_cache_lookups_total",
			Help: "Hash cache lookups by result.",
		}, []string{"result"}),
	}
}

// ObserveHasher counts cache lookups of h.
func (m *Metrics) ObserveHasher(h *hashing.Hasher) {
	if m == nil || h == nil {
		return
	}
	h.OnCacheLookup(func(hit bool) {
		if hit {
			m.HashCacheLookups.WithLabelValues("hit").Inc()
		} else {
			m.HashCacheLookups.WithLabelValues("miss").Inc()
		}
	})
}
