package logstore

import (
	"fmt"
	"testing"
	"time"
)

func TestApplyRetentionMaxAge(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(withClock(func() time.Time { return now }))

	capture := func(level Level, age time.Duration) {
		t.Helper()
		_, err := agg.Capture(&Entry{
			FunctionID: "fn",
			Level:      level,
			Message:    "m",
			Timestamp:  now.Add(-age),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	capture(LevelInfo, 3*time.Hour)
	capture(LevelInfo, 30*time.Minute)

	deleted := agg.ApplyRetention(RetentionPolicy{MaxAge: time.Hour})
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if agg.Count("fn") != 1 {
		t.Errorf("expected 1 survivor, got %d", agg.Count("fn"))
	}
}

func TestApplyRetentionLevelOverrides(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(withClock(func() time.Time { return now }))

	// Both entries are two hours old. The debug override expires the debug
	// entry; the error override keeps the error entry for a week.
	for _, level := range []Level{LevelDebug, LevelError} {
		_, err := agg.Capture(&Entry{
			FunctionID: "fn",
			Level:      level,
			Message:    "m",
			Timestamp:  now.Add(-2 * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	deleted := agg.ApplyRetention(RetentionPolicy{
		LevelPolicies: map[Level]LevelPolicy{
			LevelDebug: {MaxAge: time.Hour},
			LevelError: {MaxAge: 7 * 24 * time.Hour},
		},
	})
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	page, err := agg.Query(Filter{FunctionID: "fn"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Level != LevelError {
		t.Errorf("expected only the error entry to survive, got %+v", page.Entries)
	}
}

func TestApplyRetentionMaxCount(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(withClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		_, err := agg.Capture(&Entry{
			FunctionID: "fn",
			Level:      LevelInfo,
			Message:    fmt.Sprintf("m%d", i),
			Timestamp:  now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	deleted := agg.ApplyRetention(RetentionPolicy{MaxCount: 2})
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	page, err := agg.Query(Filter{FunctionID: "fn"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(page.Entries))
	}
	// Most recent by timestamp survive.
	if page.Entries[0].Message != "m3" || page.Entries[1].Message != "m4" {
		t.Errorf("expected m3,m4 kept, got %s,%s",
			page.Entries[0].Message, page.Entries[1].Message)
	}
}

func TestApplyRetentionFunctionScoped(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(withClock(func() time.Time { return now }))

	for _, fid := range []string{"target", "bystander"} {
		_, err := agg.Capture(&Entry{
			FunctionID: fid,
			Level:      LevelInfo,
			Message:    "old",
			Timestamp:  now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	deleted := agg.ApplyRetention(RetentionPolicy{MaxAge: time.Minute, FunctionID: "target"})
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if agg.Count("bystander") != 1 {
		t.Error("scoped policy must not touch other functions")
	}
	if agg.Count("") != 1 {
		t.Errorf("global index out of step: %d", agg.Count(""))
	}
}

func TestScheduleRetentionReplacesPrevious(t *testing.T) {
	agg := NewAggregator()
	defer agg.CancelRetention()

	agg.ScheduleRetention(RetentionPolicy{MaxAge: time.Hour}, time.Minute)
	agg.ScheduleRetention(RetentionPolicy{MaxAge: time.Hour}, time.Minute)

	report := agg.Drain()
	if report.RetentionTimers != 1 {
		t.Errorf("expected exactly one live retention timer, got %d", report.RetentionTimers)
	}
}
