package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	DispatchCount      prometheus.Counter
	GateDrops          *prometheus.CounterVec
	EnqueueCount       prometheus.Counter
	DeliverySuccesses  prometheus.Counter
	DeliveryFailures   prometheus.Counter
	SupersededCount    prometheus.Counter
	DeliveryDuration   prometheus.Histogram
	PendingTasks       prometheus.Gauge
	CoercionCount      prometheus.Counter
	RecursionSkipCount prometheus.Counter
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_dispatch_count",
			Help: "Total number of change notifications processed by the dispatcher",
		}),
		GateDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optout_bridge_gate_drops_total",
			Help: "Notifications and tasks dropped by a gating check, by reason",
		}, []string{"reason"}),
		EnqueueCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_enqueue_count",
			Help: "Total number of delivery tasks enqueued",
		}),
		DeliverySuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_delivery_successes",
			Help: "Total number of successful webhook deliveries",
		}),
		DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_delivery_failures",
			Help: "Total number of failed webhook deliveries",
		}),
		SupersededCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_superseded_count",
			Help: "Delivery tasks skipped because a newer intent superseded them",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optout_bridge_delivery_duration_seconds",
			Help:    "Time spent performing the outbound webhook call",
			Buckets: prometheus.DefBuckets,
		}),
		PendingTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optout_bridge_pending_tasks",
			Help: "Number of delivery tasks waiting in the outbox",
		}),
		CoercionCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_coercion_count",
			Help: "Preference records coerced to digest-never after all mail was turned off",
		}),
		RecursionSkipCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optout_bridge_recursion_skip_count",
			Help: "Dispatcher invocations skipped by the recursion guard",
		}),
	}
}
