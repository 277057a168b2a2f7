// Package metrics registers the prometheus collectors exposed on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ScanDecisions counts evaluated scans by decision code.
	ScanDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vecbook_scan_decisions_total",
		Help: "Evaluated scans by decision code.",
	}, []string{"decision"})

	// DebouncerVerdicts counts debouncer outcomes by verdict.
	DebouncerVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vecbook_debouncer_verdicts_total",
		Help: "Debouncer outcomes by verdict.",
	}, []string{"verdict"})

	// SweepRuns counts daily-closer sweeps by result.
	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vecbook_closer_sweeps_total",
		Help: "Daily-closer sweep passes by result.",
	}, []string{"result"})

	// SweepRecords counts records mutated by the daily closer.
	SweepRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vecbook_closer_records_total",
		Help: "Records auto-closed or marked absent by the daily closer.",
	}, []string{"action"})

	// ReviewPublished counts review notices handed to the queue.
	ReviewPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vecbook_review_notices_published_total",
		Help: "Requires-review events published to the review queue.",
	})
)

func init() {
	prometheus.MustRegister(
		ScanDecisions,
		DebouncerVerdicts,
		SweepRuns,
		SweepRecords,
		ReviewPublished,
	)
}
