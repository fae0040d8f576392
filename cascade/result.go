package cascade

import (
	"fmt"
	"time"

	"github.com/c360studio/cascade/classify"
	"github.com/c360studio/cascade/registry"
)

// Attempt statuses. A skipped attempt carries a reason but never a result
// or an error message.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusSkipped   = "skipped"
)

// ReasonBudgetExhausted marks a tier skipped because the total budget left
// no time for it.
const ReasonBudgetExhausted = "BUDGET_EXHAUSTED"

// Attempt is one record in the cascade history.
type Attempt struct {
	Tier       registry.FunctionType `json:"tier"`
	Attempt    int                   `json:"attempt"`
	Status     string                `json:"status"`
	Result     any                   `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	DurationMs int64                 `json:"durationMs"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Metrics aggregates one execution's timing and escalation counts.
type Metrics struct {
	TotalDurationMs int64                           `json:"totalDurationMs"`
	TierDurations   map[registry.FunctionType]int64 `json:"tierDurations"`
	Escalations     int                             `json:"escalations"`
	TotalRetries    int                             `json:"totalRetries"`
}

// Result is a successful cascade outcome.
type Result struct {
	Output       any                     `json:"output"`
	SuccessTier  registry.FunctionType   `json:"successTier"`
	History      []Attempt               `json:"history"`
	SkippedTiers []registry.FunctionType `json:"skippedTiers"`
	Metrics      Metrics                 `json:"metrics"`

	// AutoClassified and Classification are set when the start tier was
	// resolved by the classifier. They feed the response _meta block.
	AutoClassified bool               `json:"-"`
	Classification *classify.Decision `json:"-"`
}

// ExhaustionError is the terminal failure when no tier completes. It
// carries the full history so the 422 body can include it.
type ExhaustionError struct {
	FunctionID   string
	Reason       string // NO_TIERS_AVAILABLE when the filtered order was empty
	History      []Attempt
	SkippedTiers []registry.FunctionType
	Metrics      Metrics
}

func (e *ExhaustionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cascade exhausted for %s: %s", e.FunctionID, e.Reason)
	}
	return fmt.Sprintf("cascade exhausted for %s after %d attempts", e.FunctionID, len(e.History))
}

// CancelledError reports an execution aborted by caller cancellation. The
// partial history is preserved; subsequent tiers were not attempted.
type CancelledError struct {
	FunctionID string
	History    []Attempt
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cascade cancelled for %s", e.FunctionID)
}
