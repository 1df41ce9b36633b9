package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_monitor_samples_total",
			Help: "Number of metric sampling attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	advisoriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_scaling_advisories_total",
			Help: "Number of scaling advisories emitted, by direction.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(samplesTotal)
	prometheus.MustRegister(advisoriesTotal)

	for _, outcome := range []string{"ok", "missed"} {
		samplesTotal.WithLabelValues(outcome)
	}
	for _, direction := range []string{string(ScaleUp), string(ScaleDown)} {
		advisoriesTotal.WithLabelValues(direction)
	}
}
