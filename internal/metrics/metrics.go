package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds all Prometheus metrics for the rule engine.
type EngineMetrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	DispatchesTotal    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	SSEClients         prometheus.Gauge
	Leadership         prometheus.Gauge
}

// New initializes and registers the engine metrics. Passing nil registers
// against the default registry.
func New(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &EngineMetrics{
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsentry",
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Total number of trigger evaluations by trigger type and outcome.",
		}, []string{"trigger_type", "outcome"}), // outcome: matched, unmatched, error
		DispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsentry",
			Subsystem: "engine",
			Name:      "dispatches_total",
			Help:      "Total number of rule dispatches by execution status.",
		}, []string{"status"}), // status: success, fail, skipped, dry_run
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsentry",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Total number of notification outcomes by status.",
		}, []string{"status"}), // status: sent, skipped, fail
		SSEClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowsentry",
			Subsystem: "stream",
			Name:      "sse_clients",
			Help:      "Number of connected SSE clients.",
		}),
		Leadership: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowsentry",
			Subsystem: "scheduler",
			Name:      "leadership",
			Help:      "Whether this instance currently holds scheduler leadership (1 or 0).",
		}),
	}
}
