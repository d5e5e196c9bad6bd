package reports

import "github.com/prometheus/client_golang/prometheus"

var (
	reportsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "reports",
		Name:      "saved_total",
		Help:      "Reclaim reports saved by backend.",
	}, []string{"backend"})

	reportMirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "reports",
		Name:      "mirror_errors_total",
		Help:      "Report saves that failed on a mirror store.",
	})
)

func init() {
	prometheus.MustRegister(reportsSaved, reportMirrorErrors)
}
