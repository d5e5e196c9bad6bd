package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	triggerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "tracker",
		Name:      "runs_total",
		Help:      "Trigger runs by trigger and result.",
	}, []string{"trigger", "result"})

	triggerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "korarent",
		Subsystem: "tracker",
		Name:      "run_duration_seconds",
		Help:      "Trigger run duration.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"trigger"})

	lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "tracker",
		Name:      "lock_contention_total",
		Help:      "Runs refused because another process held the registry lock.",
	})
)

func init() {
	prometheus.MustRegister(triggerRuns, triggerDuration, lockContention)
}

func observeTrigger(trigger string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	triggerRuns.WithLabelValues(trigger, result).Inc()
	triggerDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
}
