// Package ratelimit implements sliding-window request limiting keyed by an
// arbitrary string, typically "invoke:<functionId>". Two backends share one
// contract: an in-process limiter for single-node deployments and a Redis
// limiter whose check-and-increment is a single atomic script.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limiter is the sliding-window contract. A denied CheckAndIncrement never
// consumes quota, and resetAt never advances within a live window.
type Limiter interface {
	// Check inspects the window without mutating it.
	Check(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
	// Increment counts one request, creating a fresh window when none is
	// live.
	Increment(ctx context.Context, key string, window time.Duration) error
	// CheckAndIncrement atomically admits and counts, or denies without
	// counting.
	CheckAndIncrement(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
	// Reset deletes the window for a key.
	Reset(ctx context.Context, key string) error
	// Cleanup removes expired windows and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// Metrics holds the limiter's Prometheus collectors.
type Metrics struct {
	AllowedTotal prometheus.Counter
	DeniedTotal  prometheus.Counter
	CleanupTotal prometheus.Counter
}

// NewMetrics creates and registers the limiter's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Requests admitted by the limiter.",
		}),
		DeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Requests denied by the limiter.",
		}),
		CleanupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "ratelimit",
			Name:      "cleanup_windows_total",
			Help:      "Expired windows removed by cleanup.",
		}),
	}
	reg.MustRegister(m.AllowedTotal, m.DeniedTotal, m.CleanupTotal)
	return m
}

func (m *Metrics) observe(d Decision) {
	if m == nil {
		return
	}
	if d.Allowed {
		m.AllowedTotal.Inc()
	} else {
		m.DeniedTotal.Inc()
	}
}
