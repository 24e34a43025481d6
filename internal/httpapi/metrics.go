package httpapi

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sam",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of SAM HTTP API requests.",
	}, []string{"route"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sam",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of SAM HTTP API requests.",
	}, []string{"route"})
)

// MustRegister registers the package's metrics with reg, matching
// dexidp-dex's server.go pattern of registering HTTP instrumentation
// alongside the process/Go collectors.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(httpRequestDuration, httpRequestsTotal)
}
