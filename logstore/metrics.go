package logstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the aggregator's Prometheus collectors.
type Metrics struct {
	CapturedTotal         *prometheus.CounterVec
	DroppedEventsTotal    prometheus.Counter
	RetentionDeletedTotal prometheus.Counter
}

// NewMetrics creates and registers the aggregator's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "logs",
			Name:      "captured_total",
			Help:      "Log entries captured, by level.",
		}, []string{"level"}),
		DroppedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "logs",
			Name:      "subscriber_dropped_events_total",
			Help:      "Stream events dropped because a subscriber buffer was full.",
		}),
		RetentionDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "logs",
			Name:      "retention_deleted_total",
			Help:      "Entries deleted by retention policies.",
		}),
	}
	reg.MustRegister(m.CapturedTotal, m.DroppedEventsTotal, m.RetentionDeletedTotal)
	return m
}
