package propagate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/status"
)

var faultBroadcastsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_fault_broadcasts_total",
		Help: "Total number of faults forwarded to the broadcaster.",
	},
	[]string{"code"},
)

func init() {
	prometheus.MustRegister(faultBroadcastsTotal)

	for _, c := range []status.Code{status.JobTerminated, status.ProcAborted} {
		faultBroadcastsTotal.WithLabelValues(c.String())
	}
}
