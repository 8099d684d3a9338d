// Package metrics exposes the Prometheus counters/histograms for the
// pipeline's operational surface (spec.md §6's /metrics endpoint).
// Grounded on the teacher's github.com/prometheus/client_golang
// dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AlertsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defender_alerts_ingested_total",
		Help: "Total alerts accepted by the ingest API.",
	})

	AlertsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defender_alerts_filtered_total",
		Help: "Alerts classified by the filter, by decision.",
	}, []string{"decision"})

	AlertsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defender_alerts_deduped_total",
		Help: "Alerts dropped because their fingerprint was already seen.",
	})

	PlansGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defender_plans_generated_total",
		Help: "Validated remediation plans produced by the Plan Generator.",
	})

	PlansDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defender_plans_dropped_total",
		Help: "Raw LLM plan entries dropped for failing validation.",
	})

	ExecutionsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defender_executions_total",
		Help: "Completed executions, by terminal status.",
	}, []string{"status"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "defender_execution_duration_seconds",
		Help:    "Wall-clock duration of one plan execution, across all its attempts.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	JournalDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defender_journal_drops_total",
		Help: "Journal entries dropped because the writer's queue was full.",
	})
)

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
