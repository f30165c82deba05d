package matching

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's in-process collectors. Export (HTTP handler,
// push gateway) is the embedding application's concern; the engine only
// registers collectors on the Registerer it is given.
type Metrics struct {
	OrdersProcessed prometheus.Counter
	OrdersRejected  prometheus.Counter
	TradesGenerated prometheus.Counter
	QueueFull       prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors. A nil registerer
// leaves the collectors unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "orders_processed_total",
			Help:      "Orders accepted by a partition worker and matched against a book.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by validation or for an unregistered symbol.",
		}),
		TradesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "trades_generated_total",
			Help:      "Trade notifications produced by matching.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching",
			Name:      "queue_full_total",
			Help:      "Submissions refused because a partition queue was at capacity.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "matching",
			Name:      "queue_depth",
			Help:      "Commands waiting in a partition queue after the last drained batch.",
		}, []string{"partition"}),
	}
	if reg != nil {
		reg.MustRegister(m.OrdersProcessed, m.OrdersRejected, m.TradesGenerated,
			m.QueueFull, m.QueueDepth)
	}
	return m
}
