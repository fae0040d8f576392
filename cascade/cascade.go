// Package cascade drives a function through the tier escalation state
// machine: code, then generative, then agentic, then human. Each tier runs
// under its own deadline trimmed to the remaining total budget; the first
// success wins, authorization denial short-circuits, and everything else
// escalates until the order is exhausted.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/classify"
	"github.com/c360studio/cascade/executor"
	"github.com/c360studio/cascade/logstore"
	"github.com/c360studio/cascade/registry"
)

// CodeSource provides stored artifacts for the code tier. *registry.Store
// satisfies it.
type CodeSource interface {
	GetCode(ctx context.Context, id, version string, derivative registry.Derivative) (string, error)
}

// Engine executes cascades. It owns no per-execution state; every Execute
// call builds its own attempt list and classifier cache.
type Engine struct {
	dispatcher *executor.Dispatcher
	code       CodeSource
	classifier *classify.Classifier
	authorizer *auth.Authorizer
	logs       *logstore.Aggregator
	prom       *PromMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClassifier installs the starting-tier classifier used for "auto".
func WithClassifier(c *classify.Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithLogAggregator installs the audit log sink for attempt records.
func WithLogAggregator(a *logstore.Aggregator) EngineOption {
	return func(e *Engine) { e.logs = a }
}

// WithPromMetrics installs Prometheus instrumentation.
func WithPromMetrics(m *PromMetrics) EngineOption {
	return func(e *Engine) { e.prom = m }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a cascade engine. The dispatcher decides which tiers
// are installed; the authorizer gates escalations; code may be nil when no
// code tier executor exists.
func NewEngine(dispatcher *executor.Dispatcher, code CodeSource, authorizer *auth.Authorizer, opts ...EngineOption) *Engine {
	e := &Engine{
		dispatcher: dispatcher,
		code:       code,
		authorizer: authorizer,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one cascade invocation.
type Request struct {
	Meta      *registry.Metadata
	Input     map[string]any
	Principal *auth.Principal
	Options   Options

	// CascadeID tags log entries and the response _meta block. Generated
	// by the caller so it can appear in headers even on failure.
	CascadeID string

	// Version pins the code artifact; empty means latest.
	Version string
}

// ResolveStartTier decides the effective starting tier for a request,
// consulting the classifier when the option or the function type says
// "auto". The returned decision is non-nil only when classification ran.
func (e *Engine) ResolveStartTier(ctx context.Context, req *Request) (registry.FunctionType, *classify.Decision, error) {
	start := req.Options.StartTier
	if start == "" {
		if req.Meta.Type != "" {
			return req.Meta.Type, nil, nil
		}
		start = StartTierAuto
	}
	if start != StartTierAuto {
		return registry.FunctionType(start), nil, nil
	}

	var decision classify.Decision
	if e.classifier == nil {
		decision = classify.Heuristic(req.Meta)
	} else {
		// The decision cache lives and dies with this request.
		cache := classify.NewDecisionCache(0, 0)
		d, err := e.classifier.Classify(ctx, req.Meta, cache)
		if err != nil {
			return "", nil, err
		}
		decision = d
	}

	tier := decision.Type
	if decision.Confidence < classify.ConfidenceThreshold {
		tier = registry.TypeCode
	}
	return tier, &decision, nil
}

// Execute runs one cascade. The error is a *auth.TierAuthorizationError on
// denial, a *ExhaustionError when every tier failed, a *CancelledError on
// caller cancellation, or an *apierr.Error for request-shaped problems.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	startTier, decision, err := e.ResolveStartTier(ctx, req)
	if err != nil {
		return nil, err
	}
	if !registry.IsValidType(startTier) {
		return nil, apierr.Newf(apierr.KindValidation, "invalid start tier %q", startTier)
	}

	order := e.tierOrder(startTier, &req.Options)
	started := e.now()

	var result *Result
	if req.Options.EnableParallel {
		result, err = e.runParallel(ctx, req, order, started)
	} else {
		result, err = e.runSerial(ctx, req, order, started)
	}
	if result != nil && decision != nil {
		result.AutoClassified = true
		result.Classification = decision
	}
	return result, err
}

// tierOrder builds the canonical escalation order: installed tiers from
// the start tier onward, minus the skip list.
func (e *Engine) tierOrder(start registry.FunctionType, opts *Options) []registry.FunctionType {
	var order []registry.FunctionType
	reached := false
	for _, tier := range registry.ValidTypes {
		if tier == start {
			reached = true
		}
		if !reached || opts.skips(tier) || !e.dispatcher.Installed(tier) {
			continue
		}
		order = append(order, tier)
	}
	return order
}

type execState struct {
	history      []Attempt
	skippedTiers []registry.FunctionType
	tierDur      map[registry.FunctionType]int64
	retries      int
}

func (s *execState) record(a Attempt) {
	s.history = append(s.history, a)
	if a.Status != StatusSkipped {
		s.tierDur[a.Tier] = a.DurationMs
	}
}

// escalations counts transitions between tiers that actually ran.
func (s *execState) escalations() int {
	ran := 0
	for _, a := range s.history {
		if a.Status != StatusSkipped {
			ran++
		}
	}
	if ran <= 1 {
		return 0
	}
	return ran - 1
}

func (s *execState) metrics(total time.Duration) Metrics {
	return Metrics{
		TotalDurationMs: total.Milliseconds(),
		TierDurations:   s.tierDur,
		Escalations:     s.escalations(),
		TotalRetries:    s.retries,
	}
}

func (e *Engine) runSerial(ctx context.Context, req *Request, order []registry.FunctionType, started time.Time) (*Result, error) {
	state := &execState{tierDur: make(map[registry.FunctionType]int64)}
	state.skippedTiers = append(state.skippedTiers, req.Options.SkipTiers...)

	if len(order) == 0 {
		e.prom.observeOutcome("exhausted", 0)
		return nil, &ExhaustionError{
			FunctionID:   req.Meta.ID,
			Reason:       "NO_TIERS_AVAILABLE",
			SkippedTiers: state.skippedTiers,
			Metrics:      state.metrics(e.now().Sub(started)),
		}
	}

	var deadline time.Time
	if req.Options.TotalTimeout > 0 {
		deadline = started.Add(time.Duration(req.Options.TotalTimeout) * time.Millisecond)
	}

	var fallback *Attempt
	for _, tier := range order {
		if err := e.authorizer.Authorize(req.Principal, tier); err != nil {
			attempt := Attempt{
				Tier:      tier,
				Attempt:   1,
				Status:    StatusFailed,
				Error:     err.Error(),
				Timestamp: e.now(),
			}
			state.record(attempt)
			e.audit(req, attempt)
			e.prom.observeOutcome("denied", state.escalations())
			return nil, err
		}

		timeout := req.Options.tierTimeout(tier)
		if !deadline.IsZero() {
			remaining := deadline.Sub(e.now())
			if remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			attempt := Attempt{
				Tier:      tier,
				Attempt:   1,
				Status:    StatusSkipped,
				Reason:    ReasonBudgetExhausted,
				Timestamp: e.now(),
			}
			state.record(attempt)
			state.skippedTiers = append(state.skippedTiers, tier)
			e.audit(req, attempt)
			continue
		}

		attempt, outcome := e.runTier(ctx, req, tier, timeout, fallback)
		state.record(attempt)
		e.audit(req, attempt)
		e.prom.observeAttempt(attempt)

		if outcome != nil {
			state.retries += outcome.Retries
			e.prom.observeOutcome("success", state.escalations())
			return &Result{
				Output:       outcome.Output,
				SuccessTier:  tier,
				History:      state.history,
				SkippedTiers: state.skippedTiers,
				Metrics:      state.metrics(e.now().Sub(started)),
			}, nil
		}

		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.prom.observeOutcome("cancelled", state.escalations())
			return nil, &CancelledError{FunctionID: req.Meta.ID, History: state.history}
		}

		if req.Options.EnableFallback {
			prev := attempt
			fallback = &prev
		}
	}

	e.prom.observeOutcome("exhausted", state.escalations())
	return nil, &ExhaustionError{
		FunctionID:   req.Meta.ID,
		History:      state.history,
		SkippedTiers: state.skippedTiers,
		Metrics:      state.metrics(e.now().Sub(started)),
	}
}

// runTier executes one tier under its deadline. A nil outcome means the
// attempt did not complete; the attempt record carries the cause.
func (e *Engine) runTier(ctx context.Context, req *Request, tier registry.FunctionType, timeout time.Duration, fallback *Attempt) (Attempt, *executor.Outcome) {
	attemptStart := e.now()
	attempt := Attempt{Tier: tier, Attempt: 1, Timestamp: attemptStart}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code := ""
	if tier == registry.TypeCode && e.code != nil {
		c, err := e.code.GetCode(tctx, req.Meta.ID, req.Version, registry.DerivativeSource)
		if err != nil && !errors.Is(err, registry.ErrNotFound) && !apierr.Is(err, apierr.KindNotFound) {
			e.logger.Warn("Code fetch failed",
				"function_id", req.Meta.ID, "error", err)
		}
		code = c
	}

	input := req.Input
	if fallback != nil {
		input = make(map[string]any, len(req.Input)+1)
		for k, v := range req.Input {
			input[k] = v
		}
		input["_fallback"] = map[string]any{
			"tier":  fallback.Tier,
			"error": fallback.Error,
		}
	}

	meta := *req.Meta
	meta.Type = tier

	outcome, err := e.dispatcher.Dispatch(tctx, &meta, input, code)
	attempt.DurationMs = e.now().Sub(attemptStart).Milliseconds()

	if err == nil {
		attempt.Status = StatusCompleted
		attempt.Result = outcome.Output
		return attempt, outcome
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		attempt.Status = StatusTimeout
		attempt.Error = "tier timed out after " + timeout.String()
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		attempt.Status = StatusFailed
		attempt.Error = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		// The total budget expired mid-tier.
		attempt.Status = StatusTimeout
		attempt.Error = "total budget exhausted"
	default:
		attempt.Status = StatusFailed
		attempt.Error = apierr.From(err).Message
	}
	return attempt, nil
}

// runParallel races every tier in the order concurrently. The first
// success wins and cancels the rest; losers keep their final status in the
// history. Authorization denial in parallel mode is a failed attempt, not
// a cascade-wide 403.
func (e *Engine) runParallel(ctx context.Context, req *Request, order []registry.FunctionType, started time.Time) (*Result, error) {
	state := &execState{tierDur: make(map[registry.FunctionType]int64)}
	state.skippedTiers = append(state.skippedTiers, req.Options.SkipTiers...)

	if len(order) == 0 {
		e.prom.observeOutcome("exhausted", 0)
		return nil, &ExhaustionError{
			FunctionID:   req.Meta.ID,
			Reason:       "NO_TIERS_AVAILABLE",
			SkippedTiers: state.skippedTiers,
			Metrics:      state.metrics(e.now().Sub(started)),
		}
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	type tierOutcome struct {
		attempt Attempt
		outcome *executor.Outcome
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		winner   *tierOutcome
		attempts []Attempt
	)

	for _, tier := range order {
		wg.Add(1)
		go func(tier registry.FunctionType) {
			defer wg.Done()

			if err := e.authorizer.Authorize(req.Principal, tier); err != nil {
				mu.Lock()
				attempts = append(attempts, Attempt{
					Tier:      tier,
					Attempt:   1,
					Status:    StatusFailed,
					Error:     err.Error(),
					Timestamp: e.now(),
				})
				mu.Unlock()
				return
			}

			attempt, outcome := e.runTier(raceCtx, req, tier, req.Options.tierTimeout(tier), nil)
			mu.Lock()
			attempts = append(attempts, attempt)
			if outcome != nil && winner == nil {
				winner = &tierOutcome{attempt: attempt, outcome: outcome}
				cancelRace()
			}
			mu.Unlock()
		}(tier)
	}
	wg.Wait()

	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].Timestamp.Before(attempts[j].Timestamp)
	})
	for _, a := range attempts {
		state.record(a)
		e.audit(req, a)
		e.prom.observeAttempt(a)
	}

	if winner != nil {
		state.retries = winner.outcome.Retries
		e.prom.observeOutcome("success", 0)
		return &Result{
			Output:       winner.outcome.Output,
			SuccessTier:  winner.attempt.Tier,
			History:      state.history,
			SkippedTiers: state.skippedTiers,
			Metrics: Metrics{
				TotalDurationMs: e.now().Sub(started).Milliseconds(),
				TierDurations:   state.tierDur,
				TotalRetries:    state.retries,
			},
		}, nil
	}

	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.prom.observeOutcome("cancelled", 0)
		return nil, &CancelledError{FunctionID: req.Meta.ID, History: state.history}
	}

	e.prom.observeOutcome("exhausted", 0)
	return nil, &ExhaustionError{
		FunctionID:   req.Meta.ID,
		History:      state.history,
		SkippedTiers: state.skippedTiers,
		Metrics: Metrics{
			TotalDurationMs: e.now().Sub(started).Milliseconds(),
			TierDurations:   state.tierDur,
		},
	}
}

// audit writes one attempt record to the log aggregator.
func (e *Engine) audit(req *Request, a Attempt) {
	if e.logs == nil {
		return
	}
	level := logstore.LevelInfo
	message := "tier " + string(a.Tier) + " " + a.Status
	switch a.Status {
	case StatusFailed, StatusTimeout:
		level = logstore.LevelWarn
		if a.Error != "" {
			message += ": " + a.Error
		}
	case StatusSkipped:
		level = logstore.LevelDebug
		if a.Reason != "" {
			message += ": " + a.Reason
		}
	}
	_, err := e.logs.Capture(&logstore.Entry{
		FunctionID: req.Meta.ID,
		Level:      level,
		Message:    message,
		RequestID:  req.CascadeID,
		DurationMs: a.DurationMs,
		Metadata:   map[string]any{"tier": string(a.Tier), "status": a.Status},
	})
	if err != nil {
		e.logger.Warn("Attempt audit capture failed", "error", err)
	}
}
