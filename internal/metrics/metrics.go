// Package metrics exposes Prometheus instrumentation for the publishing
// engine. Everything registers on the default registry and is served from
// the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "publisher_tick_duration_seconds",
		Help:    "Duration of one scheduling tick.",
		Buckets: prometheus.DefBuckets,
	})

	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publisher_tick_errors_total",
		Help: "Ticks that failed in their own bookkeeping (not per-unit failures).",
	})

	PostsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publisher_posts_materialized_total",
		Help: "Post rows created from due schedule rules.",
	})

	DedupRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publisher_dedup_retries_total",
		Help: "Content generation retries caused by duplicate candidates.",
	})

	DuplicatesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publisher_duplicates_accepted_total",
		Help: "Posts accepted with duplicate content after exhausting regeneration.",
	})

	PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_publish_outcomes_total",
		Help: "Terminal publish outcomes by result.",
	}, []string{"platform", "result"})

	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisher_publish_duration_seconds",
		Help:    "Wall time of one post's publish state machine, retries included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	AccountsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publisher_accounts_flagged_total",
		Help: "Accounts flagged for reconnection.",
	})
)
