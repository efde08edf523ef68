package launch

import "github.com/prometheus/client_golang/prometheus"

var (
	launchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_launch_requests_total",
			Help: "Total number of daemon launch attempts by backend and result.",
		},
		[]string{"backend", "result"},
	)

	daemonsRequested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_daemons_requested_total",
			Help: "Total number of daemons requested from launch backends.",
		},
	)
)

func init() {
	prometheus.MustRegister(launchRequestsTotal, daemonsRequested)
}

// initBackendMetrics pre-initializes the series of one backend so they
// appear in /metrics before its first launch.
func initBackendMetrics(name string) {
	for _, result := range []string{"success", "failure"} {
		launchRequestsTotal.WithLabelValues(name, result)
	}
}
