package state

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

var (
	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_state_activations_total",
			Help: "Total number of job state activations, by target state.",
		},
		[]string{"state"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_jobs_active",
			Help: "Number of jobs currently owned by the state machine.",
		},
	)
)

func init() {
	prometheus.MustRegister(activationsTotal, jobsActive)

	for _, s := range model.JobStates() {
		activationsTotal.WithLabelValues(s.String())
	}
}
