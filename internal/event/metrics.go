package event

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/status"
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_event_notifications_total",
		Help: "Total number of notifications posted to the event bus.",
	},
	[]string{"code"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)

	// Pre-initialize every code so all series appear in /metrics.
	for _, c := range status.Codes() {
		notificationsTotal.WithLabelValues(c.String())
	}
}
