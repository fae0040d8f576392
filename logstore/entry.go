// Package logstore provides structured capture, retention, querying, and
// live streaming of per-execution log entries. It is the audit substrate
// for the cascade: every tier attempt logs through it.
package logstore

import (
	"time"
)

// Level is a log severity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// severity orders levels for minimum-severity filters.
var severity = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// IsValidLevel reports whether l names a known level.
func IsValidLevel(l Level) bool {
	_, ok := severity[l]
	return ok
}

// Severity returns the numeric rank of a level, -1 for unknown levels.
func Severity(l Level) int {
	if s, ok := severity[l]; ok {
		return s
	}
	return -1
}

// MaxMessageLength is the stored message length cap. Longer messages are
// truncated and flagged via metadata.truncated.
const MaxMessageLength = 100_000

// Entry is one structured log record.
type Entry struct {
	ID         string         `json:"id"`
	FunctionID string         `json:"functionId"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

// clone returns a shallow copy so callers can't mutate stored entries.
func (e *Entry) clone() *Entry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
