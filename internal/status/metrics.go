package status

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	refreshResult = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "korarent",
		Subsystem: "status",
		Name:      "last_refresh_accounts",
		Help:      "Accounts per status after the last refresh pass.",
	}, []string{"status"})

	refreshUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "status",
		Name:      "transitions_total",
		Help:      "Total account status transitions observed by refresh.",
	})

	refreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "status",
		Name:      "read_errors_total",
		Help:      "Total account reads that failed during refresh.",
	})

	refreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "korarent",
		Subsystem: "status",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of refresh passes in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	})

	timerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduled job runs by job and outcome.",
	}, []string{"job", "outcome"})
)

func init() {
	prometheus.MustRegister(
		refreshResult,
		refreshUpdated,
		refreshErrors,
		refreshDuration,
		timerRuns,
	)
}

func observe(s Summary, d time.Duration) {
	refreshResult.WithLabelValues("active").Set(float64(s.Active))
	refreshResult.WithLabelValues("empty").Set(float64(s.Empty))
	refreshResult.WithLabelValues("closed").Set(float64(s.Closed))
	refreshResult.WithLabelValues("unknown").Set(float64(s.Unknown))
	refreshUpdated.Add(float64(s.Updated))
	refreshDuration.Observe(d.Seconds())
}
