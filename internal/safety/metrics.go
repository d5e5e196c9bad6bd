package safety

import "github.com/prometheus/client_golang/prometheus"

var validations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "korarent",
	Subsystem: "safety",
	Name:      "validations_total",
	Help:      "Account validations by risk level and outcome.",
}, []string{"risk", "outcome"})

func init() {
	prometheus.MustRegister(validations)
}
