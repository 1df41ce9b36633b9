package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	instancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_instances_created_total",
			Help: "Number of instances created.",
		},
	)

	instanceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_instance_starts_total",
			Help: "Number of completed instance starts, by outcome.",
		},
		[]string{"outcome"},
	)

	allocRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_sandbox_allocation_retries_total",
			Help: "Number of retried sandbox allocations after transient failures.",
		},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_executions_total",
			Help: "Number of execution requests delivered to sandboxes, by outcome.",
		},
		[]string{"outcome"},
	)

	activeInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_active_instances",
			Help: "Number of instances currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(instancesCreated)
	prometheus.MustRegister(instanceStarts)
	prometheus.MustRegister(allocRetries)
	prometheus.MustRegister(executions)
	prometheus.MustRegister(activeInstances)

	for _, outcome := range []string{"running", "error"} {
		instanceStarts.WithLabelValues(outcome)
	}
	for _, outcome := range []string{"ok", "error"} {
		executions.WithLabelValues(outcome)
	}
}
