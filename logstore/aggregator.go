package logstore

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/c360studio/cascade/apierr"
)

// Aggregator owns the in-memory log indexes and all live subscriber
// registrations. Entry IDs are ULIDs drawn from a monotonic entropy source
// under the aggregator lock, so they are unique and sort by capture time.
type Aggregator struct {
	mu         sync.Mutex
	byFunction map[string][]*Entry
	global     []*Entry

	subscribers map[string]map[*Subscriber]struct{}

	entropy *ulid.MonotonicEntropy

	retentionMu     sync.Mutex
	retentionCancel chan struct{}

	logger  *slog.Logger
	metrics *Metrics

	now func() time.Time
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets the aggregator's logger.
func WithLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithMetrics sets the aggregator's Prometheus metrics.
func WithMetrics(m *Metrics) AggregatorOption {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// NewAggregator creates an empty log aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		byFunction:  make(map[string][]*Entry),
		subscribers: make(map[string]map[*Subscriber]struct{}),
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capture validates and stores one entry, assigns its ID, and notifies
// live subscribers. Over-long messages are truncated with
// metadata.truncated=true.
func (a *Aggregator) Capture(entry *Entry) (*Entry, error) {
	if entry.FunctionID == "" {
		return nil, apierr.New(apierr.KindValidation, "log entry requires functionId")
	}
	if !IsValidLevel(entry.Level) {
		return nil, apierr.Newf(apierr.KindValidation, "invalid log level %q", entry.Level)
	}

	stored := entry.clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = a.now().UTC()
	}
	if len(stored.Message) > MaxMessageLength {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := MaxMessageLength
		for cut > 0 && !utf8.RuneStart(stored.Message[cut]) {
			cut--
		}
		stored.Message = stored.Message[:cut]
		if stored.Metadata == nil {
			stored.Metadata = make(map[string]any, 1)
		}
		stored.Metadata["truncated"] = true
	}

	a.mu.Lock()
	stored.ID = ulid.MustNew(ulid.Timestamp(stored.Timestamp), a.entropy).String()
	a.byFunction[stored.FunctionID] = append(a.byFunction[stored.FunctionID], stored)
	a.global = append(a.global, stored)
	subs := a.matchingSubscribersLocked(stored)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.CapturedTotal.WithLabelValues(string(stored.Level)).Inc()
	}

	for _, sub := range subs {
		sub.deliver(StreamEvent{Type: EventEntry, Entry: stored.clone(), Time: stored.Timestamp})
	}

	return stored.clone(), nil
}

// CaptureBatch captures entries one by one. There is no atomicity beyond
// the individual entry; the first failure aborts the remainder.
func (a *Aggregator) CaptureBatch(entries []*Entry) ([]*Entry, error) {
	stored := make([]*Entry, 0, len(entries))
	for i, entry := range entries {
		got, err := a.Capture(entry)
		if err != nil {
			return stored, fmt.Errorf("capture entry %d: %w", i, err)
		}
		stored = append(stored, got)
	}
	return stored, nil
}

// CaptureError is shorthand for capturing an error-level entry carrying
// the error's type name in metadata. Stacks never reach API responses;
// this is where they land instead.
func (a *Aggregator) CaptureError(functionID, requestID string, err error) (*Entry, error) {
	return a.Capture(&Entry{
		FunctionID: functionID,
		RequestID:  requestID,
		Level:      LevelError,
		Message:    err.Error(),
		Metadata: map[string]any{
			"errorName": fmt.Sprintf("%T", err),
		},
	})
}

// Count returns the number of stored entries, per function when id is
// non-empty, globally otherwise.
func (a *Aggregator) Count(functionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if functionID == "" {
		return len(a.global)
	}
	return len(a.byFunction[functionID])
}

// DeleteFunctionLogs removes a function's entries from every index. Live
// subscribers keep their channels but replay history against the shared
// store, so deleted entries disappear from replays too.
func (a *Aggregator) DeleteFunctionLogs(functionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := len(a.byFunction[functionID])
	if removed == 0 {
		return 0
	}
	delete(a.byFunction, functionID)

	filtered := a.global[:0]
	for _, e := range a.global {
		if e.FunctionID != functionID {
			filtered = append(filtered, e)
		}
	}
	a.global = filtered
	return removed
}

// DrainReport counts what Drain shut down.
type DrainReport struct {
	Subscribers     int `json:"subscribers"`
	Heartbeats      int `json:"heartbeats"`
	RetentionTimers int `json:"retentionTimers"`
}

// Drain closes every subscriber with a shutdown notice and cancels all
// heartbeat and retention timers. Safe to call more than once.
func (a *Aggregator) Drain() DrainReport {
	var report DrainReport

	a.mu.Lock()
	var subs []*Subscriber
	for _, set := range a.subscribers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	a.subscribers = make(map[string]map[*Subscriber]struct{})
	a.mu.Unlock()

	for _, sub := range subs {
		if sub.heartbeatActive() {
			report.Heartbeats++
		}
		sub.shutdown()
		report.Subscribers++
	}

	a.retentionMu.Lock()
	if a.retentionCancel != nil {
		close(a.retentionCancel)
		a.retentionCancel = nil
		report.RetentionTimers++
	}
	a.retentionMu.Unlock()

	a.logger.Info("Log aggregator drained",
		"subscribers", report.Subscribers,
		"heartbeats", report.Heartbeats,
		"retention_timers", report.RetentionTimers)
	return report
}
