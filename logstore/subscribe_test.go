package logstore

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscriber) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestSubscribeLiveDelivery(t *testing.T) {
	agg := NewAggregator()

	sub := agg.Subscribe("fn", SubscribeOptions{})
	defer sub.Close()

	if _, err := agg.Capture(&Entry{FunctionID: "fn", Level: LevelInfo, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Capture(&Entry{FunctionID: "other", Level: LevelInfo, Message: "noise"}); err != nil {
		t.Fatal(err)
	}

	ev := recvEvent(t, sub)
	if ev.Type != EventEntry || ev.Entry.Message != "hello" {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("did not expect cross-function event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeLevelFilter(t *testing.T) {
	agg := NewAggregator()

	sub := agg.Subscribe("fn", SubscribeOptions{MinLevel: LevelError})
	defer sub.Close()

	for _, level := range []Level{LevelDebug, LevelInfo, LevelError} {
		if _, err := agg.Capture(&Entry{FunctionID: "fn", Level: level, Message: string(level)}); err != nil {
			t.Fatal(err)
		}
	}

	ev := recvEvent(t, sub)
	if ev.Entry.Level != LevelError {
		t.Errorf("expected only error delivered, got %s", ev.Entry.Level)
	}
}

func TestSubscribeTailReplay(t *testing.T) {
	agg := NewAggregator()

	for _, msg := range []string{"a", "b", "c", "d"} {
		if _, err := agg.Capture(&Entry{FunctionID: "fn", Level: LevelInfo, Message: msg}); err != nil {
			t.Fatal(err)
		}
	}

	sub := agg.Subscribe("fn", SubscribeOptions{Tail: 2})
	defer sub.Close()

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	if first.Entry.Message != "c" || second.Entry.Message != "d" {
		t.Errorf("expected chronological tail [c d], got [%s %s]",
			first.Entry.Message, second.Entry.Message)
	}
}

func TestSubscribeAfterID(t *testing.T) {
	agg := NewAggregator()

	var pivot string
	for i, msg := range []string{"a", "b", "c"} {
		e, err := agg.Capture(&Entry{FunctionID: "fn", Level: LevelInfo, Message: msg})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			pivot = e.ID
		}
	}

	sub := agg.Subscribe("fn", SubscribeOptions{AfterID: pivot})
	defer sub.Close()

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	if first.Entry.Message != "b" || second.Entry.Message != "c" {
		t.Errorf("expected replay [b c], got [%s %s]",
			first.Entry.Message, second.Entry.Message)
	}
}

func TestSubscriberCloseStopsDelivery(t *testing.T) {
	agg := NewAggregator()

	sub := agg.Subscribe("fn", SubscribeOptions{})
	sub.Close()

	// Capture after close must not panic or deliver.
	if _, err := agg.Capture(&Entry{FunctionID: "fn", Level: LevelInfo, Message: "late"}); err != nil {
		t.Fatal(err)
	}

	sawShutdown := false
	for ev := range sub.Events() {
		if ev.Type == EventShutdown {
			sawShutdown = true
		}
		if ev.Type == EventEntry {
			t.Errorf("entry delivered after close: %+v", ev)
		}
	}
	if !sawShutdown {
		t.Error("expected a shutdown event before channel close")
	}
}

func TestHeartbeat(t *testing.T) {
	agg := NewAggregator()

	sub := agg.Subscribe("fn", SubscribeOptions{Heartbeat: 20 * time.Millisecond})
	defer sub.Close()

	ev := recvEvent(t, sub)
	if ev.Type != EventHeartbeat {
		t.Errorf("expected heartbeat, got %s", ev.Type)
	}
}

func TestDrainReport(t *testing.T) {
	agg := NewAggregator()

	agg.Subscribe("fn", SubscribeOptions{})
	agg.Subscribe("fn", SubscribeOptions{Heartbeat: time.Minute})
	agg.ScheduleRetention(RetentionPolicy{MaxAge: time.Hour}, time.Minute)

	report := agg.Drain()
	if report.Subscribers != 2 {
		t.Errorf("expected 2 subscribers drained, got %d", report.Subscribers)
	}
	if report.Heartbeats != 1 {
		t.Errorf("expected 1 heartbeat cancelled, got %d", report.Heartbeats)
	}
	if report.RetentionTimers != 1 {
		t.Errorf("expected 1 retention timer cancelled, got %d", report.RetentionTimers)
	}

	// Drain again is a no-op.
	again := agg.Drain()
	if again.Subscribers != 0 || again.RetentionTimers != 0 {
		t.Errorf("second drain should find nothing, got %+v", again)
	}
}
