package reclaim

import "github.com/prometheus/client_golang/prometheus"

var (
	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "reclaim",
		Name:      "outcomes_total",
		Help:      "Reclaim candidate outcomes by status.",
	}, []string{"status"})

	lamportsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "reclaim",
		Name:      "lamports_total",
		Help:      "Lamports returned to the treasury by confirmed closes.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "korarent",
		Subsystem: "reclaim",
		Name:      "run_duration_seconds",
		Help:      "Duration of reclaim runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(outcomes, lamportsReclaimed, runDuration)
}
