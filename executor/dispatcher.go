package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/registry"
)

// Outcome is a dispatched execution after normalization.
type Outcome struct {
	// Output is the function result, unwrapped from the body's "output"
	// field when present.
	Output any

	// Status is the executor's HTTP-shaped status (200 or 202 here;
	// failures become errors).
	Status int

	// Retries counts executor-internal retries for cascade metrics.
	Retries int
}

// Deferred reports whether the outcome is a pending out-of-band task.
func (o *Outcome) Deferred() bool {
	return o.Status == 202
}

// Dispatcher routes an execution to the tier executor matching the
// function's effective type.
type Dispatcher struct {
	executors map[registry.FunctionType]Executor
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over the given tier executors. Tiers
// without an executor are unavailable and dispatch to NOT_IMPLEMENTED.
func NewDispatcher(executors map[registry.FunctionType]Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		executors: executors,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Installed reports whether a tier has an executor.
func (d *Dispatcher) Installed(tier registry.FunctionType) bool {
	_, ok := d.executors[tier]
	return ok
}

// InstalledTiers returns the tiers with an executor, in canonical order.
func (d *Dispatcher) InstalledTiers() []registry.FunctionType {
	tiers := make([]registry.FunctionType, 0, len(d.executors))
	for _, t := range registry.ValidTypes {
		if _, ok := d.executors[t]; ok {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Dispatch runs the function on the tier named by meta.Type and normalizes
// the result: the body's "output" field is unwrapped when present, and a
// status of 400 or above becomes an error carrying the body's message.
func (d *Dispatcher) Dispatch(ctx context.Context, meta *registry.Metadata, input map[string]any, code string) (*Outcome, error) {
	exec, ok := d.executors[meta.Type]
	if !ok {
		return nil, apierr.Newf(apierr.KindNotImplemented, "no executor installed for tier %s", meta.Type)
	}

	res, err := exec.Execute(ctx, meta, input, code)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apierr.Newf(apierr.KindInternal, "tier %s returned no result", meta.Type)
	}

	if res.Status >= 400 {
		return nil, failureFromBody(meta.Type, res)
	}

	output := any(res.Body)
	if res.Body != nil {
		if unwrapped, ok := res.Body["output"]; ok {
			output = unwrapped
		}
	}

	d.logger.Debug("Tier execution completed",
		"function_id", meta.ID, "tier", meta.Type, "status", res.Status)

	return &Outcome{Output: output, Status: res.Status, Retries: res.Retries}, nil
}

// failureFromBody converts a failed result into an error preserving the
// body's error message for the attempt record.
func failureFromBody(tier registry.FunctionType, res *Result) error {
	message := fmt.Sprintf("tier %s failed with status %d", tier, res.Status)
	if res.Body != nil {
		if m, ok := res.Body["error"].(string); ok && m != "" {
			message = m
		} else if m, ok := res.Body["message"].(string); ok && m != "" {
			message = m
		}
	}

	kind := apierr.KindExecutionError
	switch res.Status {
	case 404:
		kind = apierr.KindNotFound
	case 408:
		kind = apierr.KindTimeout
	case 429:
		kind = apierr.KindRateLimited
	}
	return apierr.New(kind, message)
}
