package lifecycle

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Created         prometheus.Counter
	Transitions     *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	Active          prometheus.Gauge
	Extended        prometheus.Counter
	FinalizeRetries prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proposals",
			Name:      "created_total",
			Help:      "Member proposals created.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposals",
			Name:      "terminal_transitions_total",
			Help:      "Terminal transitions by outcome.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposals",
			Name:      "notifications_total",
			Help:      "Direct notification attempts by result.",
		}, []string{"result"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proposals",
			Name:      "active",
			Help:      "Proposals currently in the voting window.",
		}),
		Extended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proposals",
			Name:      "downtime_extensions_total",
			Help:      "Deadlines extended because they passed while offline.",
		}),
		FinalizeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proposals",
			Name:      "finalize_retries_total",
			Help:      "Expiry finalizations rescheduled after a store failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Created, m.Transitions, m.Deliveries, m.Active, m.Extended, m.FinalizeRetries)
	}
	return m
}
