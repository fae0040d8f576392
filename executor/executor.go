// Package executor runs a function on one specific tier. Each tier has its
// own executor; the dispatcher picks one by function type and normalizes
// its HTTP-shaped result into an output or a failure.
package executor

import (
	"context"

	"github.com/c360studio/cascade/registry"
)

// Result is a tier execution outcome shaped like an HTTP exchange. A
// status of 202 means the work was deferred (human tier); 400 and above
// means the attempt failed.
type Result struct {
	Status int            `json:"status"`
	Body   map[string]any `json:"body"`

	// Retries counts attempts beyond the first inside the executor, for
	// cascade-level metrics.
	Retries int `json:"-"`
}

// Executor runs one tier.
type Executor interface {
	// Execute runs the function. code is empty for tiers that don't use a
	// stored artifact. Transport-level failures return an error; tier
	// failures with diagnostics return a Result with status >= 400.
	Execute(ctx context.Context, meta *registry.Metadata, input map[string]any, code string) (*Result, error)
}
