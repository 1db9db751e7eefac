// Package metrics provides Prometheus instrumentation for the Drift engine.
// It exposes gauges for queue and session counts, counters for matches,
// messages, reports and sweeps, and a histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of waiting users per chat type.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_queue_size",
		Help: "Current number of users waiting for a match",
	}, []string{"chat_type"})

	// MatchesTotal counts successfully created sessions, labeled by the
	// relaxation tier that produced them.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_matches_total",
		Help: "Total number of matched pairs",
	}, []string{"tier"})

	// ClaimConflictsTotal counts atomic-claim races lost to a concurrent matcher.
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_claim_conflicts_total",
		Help: "Total number of pair claims lost to a concurrent match",
	})

	// MatchWaitSeconds records the time from queue join to successful match.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_wait_seconds",
		Help:    "Time from queue join to successful match",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// MessagesTotal counts messages appended to sessions, labeled by outcome:
	// "accepted", "moderated", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_messages_total",
		Help: "Total number of session messages processed",
	}, []string{"outcome"})

	// ReportsTotal counts filed abuse reports, labeled by reason.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_reports_total",
		Help: "Total number of abuse reports filed",
	}, []string{"reason"})

	// SweepDeletionsTotal counts records purged by the retention sweeper,
	// labeled by kind: "queue_entry", "session", or "report".
	SweepDeletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_sweep_deletions_total",
		Help: "Total number of records purged by the retention sweeper",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		MatchesTotal,
		ClaimConflictsTotal,
		MatchWaitSeconds,
		MessagesTotal,
		ReportsTotal,
		SweepDeletionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
