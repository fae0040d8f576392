package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cleanupMargin pads the self-rescheduling cleanup alarm past the earliest
// resetAt so a firing alarm always finds the window expired.
const cleanupMargin = time.Second

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryLimiter is an in-process sliding-window limiter. A background alarm
// re-arms itself to fire just after the earliest resetAt, keeping storage
// bounded without a fixed-interval sweeper.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	alarm *time.Timer

	logger  *slog.Logger
	metrics *Metrics

	now func() time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithLogger sets the limiter's logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(l *MemoryLimiter) {
		l.logger = logger
	}
}

// WithMetrics sets the limiter's Prometheus metrics.
func WithMetrics(m *Metrics) MemoryOption {
	return func(l *MemoryLimiter) {
		l.metrics = m
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]*window),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check inspects the window without mutating it.
func (l *MemoryLimiter) Check(_ context.Context, key string, limit int64, windowDur time.Duration) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !w.resetAt.After(now) {
		remaining := limit
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: limit > 0, Remaining: remaining, ResetAt: now.Add(windowDur)}, nil
	}
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: w.count < limit, Remaining: remaining, ResetAt: w.resetAt}, nil
}

// Increment counts one request, opening a fresh window when none is live.
func (l *MemoryLimiter) Increment(_ context.Context, key string, windowDur time.Duration) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !w.resetAt.After(now) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(windowDur)}
		l.armAlarmLocked()
		return nil
	}
	w.count++
	return nil
}

// CheckAndIncrement atomically admits and counts, or denies without
// counting.
func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, key string, limit int64, windowDur time.Duration) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	// A non-positive limit admits nothing; count must never exceed limit.
	if limit <= 0 {
		d := Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(windowDur)}
		if w, ok := l.windows[key]; ok && w.resetAt.After(now) {
			d.ResetAt = w.resetAt
		}
		l.mu.Unlock()
		l.metrics.observe(d)
		return d, nil
	}
	w, ok := l.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = &window{count: 1, resetAt: now.Add(windowDur)}
		l.windows[key] = w
		l.armAlarmLocked()
		d := Decision{Allowed: true, Remaining: limit - 1, ResetAt: w.resetAt}
		l.mu.Unlock()
		l.metrics.observe(d)
		return d, nil
	}

	if w.count >= limit {
		d := Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
		l.mu.Unlock()
		l.metrics.observe(d)
		return d, nil
	}
	w.count++
	d := Decision{Allowed: true, Remaining: limit - w.count, ResetAt: w.resetAt}
	l.mu.Unlock()
	l.metrics.observe(d)
	return d, nil
}

// Reset deletes the window for a key.
func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// Cleanup removes expired windows and returns how many were removed.
func (l *MemoryLimiter) Cleanup(_ context.Context) (int, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !w.resetAt.After(now) {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 && l.metrics != nil {
		l.metrics.CleanupTotal.Add(float64(removed))
	}
	l.armAlarmLocked()
	return removed, nil
}

// Close stops the cleanup alarm.
func (l *MemoryLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.alarm != nil {
		l.alarm.Stop()
		l.alarm = nil
	}
}

// armAlarmLocked schedules the next cleanup at the earliest live resetAt
// plus a one-second margin. Caller holds l.mu.
func (l *MemoryLimiter) armAlarmLocked() {
	if l.alarm != nil {
		l.alarm.Stop()
		l.alarm = nil
	}
	if len(l.windows) == 0 {
		return
	}

	var earliest time.Time
	for _, w := range l.windows {
		if earliest.IsZero() || w.resetAt.Before(earliest) {
			earliest = w.resetAt
		}
	}

	delay := earliest.Sub(l.now()) + cleanupMargin
	if delay < cleanupMargin {
		delay = cleanupMargin
	}
	l.alarm = time.AfterFunc(delay, func() {
		removed, _ := l.Cleanup(context.Background())
		if removed > 0 {
			l.logger.Debug("Rate limit cleanup fired", "removed", removed)
		}
	})
}

// Len returns the number of stored windows, live or expired.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
