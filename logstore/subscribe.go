package logstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream event types delivered to subscribers.
const (
	EventEntry     = "entry"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)

// StreamEvent is one message on a subscriber's channel.
type StreamEvent struct {
	Type  string    `json:"type"`
	Entry *Entry    `json:"entry,omitempty"`
	Time  time.Time `json:"time"`
}

// SubscribeOptions filters and shapes a log stream.
type SubscribeOptions struct {
	// Levels restricts delivery to the listed levels. Empty means all.
	Levels []Level
	// MinLevel restricts delivery to entries at or above this severity.
	MinLevel Level
	// Heartbeat, when positive, emits periodic heartbeat events.
	Heartbeat time.Duration
	// Tail delivers the last N matching entries immediately on subscribe.
	Tail int
	// AfterID delivers only stored entries with IDs after this one.
	// Entry IDs are ULIDs, so lexical order is capture order.
	AfterID string
	// Buffer sets the event channel capacity (default 64). Events to a
	// full channel are dropped, not blocked on.
	Buffer int
}

// Subscriber is one live log stream consumer. Events arrives on Events()
// until Close or aggregator drain, which delivers a final shutdown event.
type Subscriber struct {
	id         string
	functionID string
	opts       SubscribeOptions

	events chan StreamEvent
	done   chan struct{}
	once   sync.Once

	// sendMu serializes deliveries against channel close during shutdown.
	sendMu sync.Mutex
	closed bool

	hbStop chan struct{}
	hbOn   bool

	agg *Aggregator
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the subscriber's event channel. It is closed after the
// shutdown event on Close or Drain.
func (s *Subscriber) Events() <-chan StreamEvent { return s.events }

// Close unregisters the subscriber and closes its channel. Entries
// captured after Close returns are not observed.
func (s *Subscriber) Close() {
	s.agg.unsubscribe(s)
	s.shutdown()
}

func (s *Subscriber) matches(entry *Entry) bool {
	if len(s.opts.Levels) > 0 {
		found := false
		for _, l := range s.opts.Levels {
			if entry.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.opts.MinLevel != "" && Severity(entry.Level) < Severity(s.opts.MinLevel) {
		return false
	}
	return true
}

// deliver sends an event without blocking; a full buffer drops the event.
func (s *Subscriber) deliver(ev StreamEvent) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		if s.agg.metrics != nil {
			s.agg.metrics.DroppedEventsTotal.Inc()
		}
	}
}

func (s *Subscriber) heartbeatActive() bool { return s.hbOn }

func (s *Subscriber) shutdown() {
	s.once.Do(func() {
		if s.hbOn {
			close(s.hbStop)
		}
		close(s.done)

		s.sendMu.Lock()
		s.closed = true
		// Final notice; best effort if the buffer is full.
		select {
		case s.events <- StreamEvent{Type: EventShutdown, Time: time.Now().UTC()}:
		default:
		}
		close(s.events)
		s.sendMu.Unlock()
	})
}

// Subscribe registers a streaming consumer for a function's logs. Tail and
// AfterID replay is delivered into the channel before Subscribe returns;
// an entry captured before Subscribe returns is observed either via replay
// or via live delivery, never dropped between the two.
func (a *Aggregator) Subscribe(functionID string, opts SubscribeOptions) *Subscriber {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	replayCap := opts.Tail
	if opts.AfterID != "" {
		replayCap = opts.Buffer
	}
	sub := &Subscriber{
		id:         uuid.New().String(),
		functionID: functionID,
		opts:       opts,
		events:     make(chan StreamEvent, opts.Buffer+replayCap+1),
		done:       make(chan struct{}),
		hbStop:     make(chan struct{}),
		agg:        a,
	}

	a.mu.Lock()
	// Replay under the registration lock so no live capture lands between
	// the replay snapshot and the registration.
	var replay []*Entry
	history := a.byFunction[functionID]
	switch {
	case opts.AfterID != "":
		for _, e := range history {
			if e.ID > opts.AfterID && sub.matches(e) {
				replay = append(replay, e)
			}
		}
	case opts.Tail > 0:
		for i := len(history) - 1; i >= 0 && len(replay) < opts.Tail; i-- {
			if sub.matches(history[i]) {
				replay = append(replay, history[i])
			}
		}
		// Collected newest-first; reverse to chronological.
		for i, j := 0, len(replay)-1; i < j; i, j = i+1, j-1 {
			replay[i], replay[j] = replay[j], replay[i]
		}
	}

	if a.subscribers[functionID] == nil {
		a.subscribers[functionID] = make(map[*Subscriber]struct{})
	}
	a.subscribers[functionID][sub] = struct{}{}
	a.mu.Unlock()

	for _, e := range replay {
		sub.deliver(StreamEvent{Type: EventEntry, Entry: e.clone(), Time: e.Timestamp})
	}

	if opts.Heartbeat > 0 {
		sub.hbOn = true
		go sub.runHeartbeat(opts.Heartbeat)
	}

	a.logger.Debug("Log subscriber registered",
		"function_id", functionID, "subscriber_id", sub.id, "tail", opts.Tail)
	return sub
}

func (s *Subscriber) runHeartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.hbStop:
			return
		case <-s.done:
			return
		case t := <-ticker.C:
			s.deliver(StreamEvent{Type: EventHeartbeat, Time: t.UTC()})
		}
	}
}

func (a *Aggregator) unsubscribe(sub *Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.subscribers[sub.functionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(a.subscribers, sub.functionID)
		}
	}
}

// matchingSubscribersLocked collects subscribers that should observe an
// entry. Caller holds a.mu.
func (a *Aggregator) matchingSubscribersLocked(entry *Entry) []*Subscriber {
	set := a.subscribers[entry.FunctionID]
	if len(set) == 0 {
		return nil
	}
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		if sub.matches(entry) {
			subs = append(subs, sub)
		}
	}
	return subs
}
