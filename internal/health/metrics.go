package health

import "github.com/prometheus/client_golang/prometheus"

var checkUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "korarent",
	Subsystem: "health",
	Name:      "check_up",
	Help:      "Whether the named health check passed on its last run (1) or failed (0).",
}, []string{"check"})

func init() {
	prometheus.MustRegister(checkUp)
}
