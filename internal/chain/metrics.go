package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "korarent",
		Subsystem: "chain",
		Name:      "rpc_duration_seconds",
		Help:      "Duration of RPC calls by method.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	rpcErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "chain",
		Name:      "rpc_errors_total",
		Help:      "Total failed RPC calls by method, excluding not-found results.",
	}, []string{"method"})

	transactionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "chain",
		Name:      "transactions_sent_total",
		Help:      "Total transactions submitted by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(
		rpcDuration,
		rpcErrors,
		transactionsSent,
	)
}
