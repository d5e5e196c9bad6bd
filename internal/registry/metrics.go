package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	registryPersists = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "korarent",
		Subsystem: "registry",
		Name:      "persists_total",
		Help:      "Total successful registry file writes.",
	})

	trackedAccounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "korarent",
		Subsystem: "registry",
		Name:      "tracked_accounts",
		Help:      "Tracked accounts by status as of the last persisted run.",
	}, []string{"status"})

	lifetimeTotals = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "korarent",
		Subsystem: "registry",
		Name:      "lifetime",
		Help:      "Lifetime registry metrics (accounts_sponsored, rent_locked, rent_reclaimed, accounts_closed).",
	}, []string{"metric"})
)

func init() {
	prometheus.MustRegister(
		registryPersists,
		trackedAccounts,
		lifetimeTotals,
	)
}

// Observe publishes r's counts and lifetime totals as gauges.
func Observe(r *Registry) {
	c := r.Counts()
	trackedAccounts.WithLabelValues(StatusActive.String()).Set(float64(c.Active))
	trackedAccounts.WithLabelValues(StatusEmpty.String()).Set(float64(c.Empty))
	trackedAccounts.WithLabelValues(StatusClosed.String()).Set(float64(c.Closed))
	trackedAccounts.WithLabelValues(StatusUnknown.String()).Set(float64(c.Unknown))

	lifetimeTotals.WithLabelValues("accounts_sponsored").Set(float64(r.Metrics.AccountsSponsored))
	lifetimeTotals.WithLabelValues("rent_locked").Set(float64(r.Metrics.RentLocked))
	lifetimeTotals.WithLabelValues("rent_reclaimed").Set(float64(r.Metrics.RentReclaimed))
	lifetimeTotals.WithLabelValues("accounts_closed").Set(float64(r.Metrics.AccountsClosed))
}
