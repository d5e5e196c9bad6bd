package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "ingest",
		Name:      "transactions_total",
		Help:      "Operator transactions processed by result (ok, failed_tx, error).",
	}, []string{"result"})

	discovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "ingest",
		Name:      "accounts_discovered_total",
		Help:      "Sponsored accounts added to the registry by confidence.",
	}, []string{"confidence"})

	ingestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "korarent",
		Subsystem: "ingest",
		Name:      "run_duration_seconds",
		Help:      "Duration of ingestion runs in seconds.",
		Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900},
	})
)

func init() {
	prometheus.MustRegister(transactions, discovered, ingestDuration)
}
