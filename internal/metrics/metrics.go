// Copyright (C) 2025 The Syncthing Authors.

// Package metrics collects the prometheus instrumentation exposed by the
// other internal packages. It never touches the global default registry;
// callers supply their own so embedding applications aren't forced to
// share a metrics namespace with this module.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is every collector this module registers, grouped by the
// component that updates it.
type Set struct {
	// C2 transport
	DialAttempts *prometheus.CounterVec
	DialDuration *prometheus.HistogramVec

	// C5 catalog
	TxDuration  prometheus.Histogram
	TxOpsTotal  *prometheus.CounterVec

	// C7 scheduler
	RequestsInFlight prometheus.Gauge
	RequestTimeouts  prometheus.Counter
	RequestRetries   prometheus.Counter
	HashMismatches   prometheus.Counter

	// C8 block cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// C9 orchestrator
	ConnectionState prometheus.Gauge
}

// New builds a Set and registers every collector against reg. Passing a
// fresh *prometheus.Registry per Core instance is the expected usage; the
// package never falls back to prometheus.DefaultRegisterer.
func New(reg *prometheus.Registry) *Set {
	s := &Set{
		DialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bep_transport_dial_attempts_total",
			Help: "Outbound connection attempts by scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bep_transport_dial_duration_seconds",
			Help:    "Time spent establishing a transport connection, including relay handshake.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scheme"}),

		TxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bep_catalog_transaction_duration_seconds",
			Help:    "Duration of catalog store write transactions.",
			Buckets: prometheus.DefBuckets,
		}),
		TxOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bep_catalog_operations_total",
			Help: "Catalog store operations by kind and outcome.",
		}, []string{"op", "outcome"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bep_scheduler_requests_in_flight",
			Help: "Block requests currently awaiting a response.",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bep_scheduler_request_timeouts_total",
			Help: "Block requests that timed out waiting for a response.",
		}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bep_scheduler_request_retries_total",
			Help: "Block requests retried after a timeout.",
		}),
		HashMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bep_scheduler_hash_mismatches_total",
			Help: "Responses whose content hash didn't match the requested block.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bep_blockcache_hits_total",
			Help: "Block reads satisfied from the local cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bep_blockcache_misses_total",
			Help: "Block reads that required a remote fetch.",
		}),

		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bep_connection_state",
			Help: "1 if the BEP connection is established and ClusterConfig exchange completed, 0 otherwise.",
		}),
	}

	reg.MustRegister(
		s.DialAttempts, s.DialDuration,
		s.TxDuration, s.TxOpsTotal,
		s.RequestsInFlight, s.RequestTimeouts, s.RequestRetries, s.HashMismatches,
		s.CacheHits, s.CacheMisses,
		s.ConnectionState,
	)
	return s
}
