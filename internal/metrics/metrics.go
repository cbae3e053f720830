// Package metrics holds the Prometheus collectors of the inferstack daemon.
package metrics

import (
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scaleDecisionsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "inferstack_scale_decisions_total",
		Help: "Total number of scaling actions taken by a controller, by direction.",
	},
	[]string{"controller", "target", "direction"},
)

var tickErrorsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "inferstack_controller_tick_errors_total",
		Help: "Total number of controller ticks that failed to read the metric or write the desired count.",
	},
	[]string{"controller", "target"},
)

var desiredCount = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "inferstack_desired_count",
		Help: "Desired count of a capacity pool or desired replicas of a deployment as last observed by its controller.",
	},
	[]string{"controller", "target"},
)

var utilizationPercent = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "inferstack_utilization_percent",
		Help: "Utilization last read by a controller for its target.",
	},
	[]string{"controller", "target", "metric"},
)

var endpointReady = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "inferstack_endpoint_ready_state",
		Help: "Ready state of a published endpoint; 1 for the current state, 0 otherwise.",
	},
	[]string{"key", "state"},
)

var applyDuration = promauto.With(prometheus.DefaultRegisterer).NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "inferstack_node_apply_duration_seconds",
		Help:    "Time to apply and converge one resource node.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{"kind", "status"},
)

// RecordScaleDecision counts one scaling action.
func RecordScaleDecision(controller, target, direction string) {
	scaleDecisionsTotal.WithLabelValues(controller, target, direction).Inc()
}

// RecordTickError counts a failed controller tick.
func RecordTickError(controller, target string) {
	tickErrorsTotal.WithLabelValues(controller, target).Inc()
}

func SetDesiredCount(controller, target string, n int) {
	desiredCount.WithLabelValues(controller, target).Set(float64(n))
}

func SetUtilization(controller, target, metric string, percent float64) {
	utilizationPercent.WithLabelValues(controller, target, metric).Set(percent)
}

// SetEndpointState marks state as the current ready state of the endpoint key.
func SetEndpointState(key string, state ir.ReadyState) {
	for _, s := range []ir.ReadyState{ir.ReadyPending, ir.ReadyHealthy, ir.ReadyUnhealthy} {
		endpointReady.WithLabelValues(key, string(s)).Set(0)
	}
	endpointReady.WithLabelValues(key, string(state)).Set(1)
}

// ObserveApply records how long a node took to apply.
func ObserveApply(kind, status string, seconds float64) {
	applyDuration.WithLabelValues(kind, status).Observe(seconds)
}
