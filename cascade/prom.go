package cascade

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics holds the engine's Prometheus collectors.
type PromMetrics struct {
	ExecutionsTotal  *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
	TierDuration     *prometheus.HistogramVec
}

// NewPromMetrics creates and registers the engine's collectors.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Cascade executions, by terminal outcome.",
		}, []string{"outcome"}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "engine",
			Name:      "escalations_total",
			Help:      "Transitions between tiers that ran.",
		}),
		TierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascade",
			Subsystem: "engine",
			Name:      "tier_duration_seconds",
			Help:      "Wall time per tier attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"tier", "status"}),
	}
	reg.MustRegister(m.ExecutionsTotal, m.EscalationsTotal, m.TierDuration)
	return m
}

func (m *PromMetrics) observeAttempt(a Attempt) {
	if m == nil {
		return
	}
	m.TierDuration.WithLabelValues(string(a.Tier), a.Status).
		Observe((time.Duration(a.DurationMs) * time.Millisecond).Seconds())
}

func (m *PromMetrics) observeOutcome(outcome string, escalations int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.EscalationsTotal.Add(float64(escalations))
}
