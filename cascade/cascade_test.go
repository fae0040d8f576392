package cascade

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/executor"
	"github.com/c360studio/cascade/registry"
)

// tierStub is a canned tier executor.
type tierStub struct {
	result *executor.Result
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *tierStub) Execute(ctx context.Context, _ *registry.Metadata, _ map[string]any, _ string) (*executor.Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func ok(output any) *tierStub {
	return &tierStub{result: &executor.Result{Status: 200, Body: map[string]any{"output": output}}}
}

func failing(msg string) *tierStub {
	return &tierStub{result: &executor.Result{Status: 500, Body: map[string]any{"error": msg}}}
}

type codeStub struct {
	code string
}

func (c *codeStub) GetCode(context.Context, string, string, registry.Derivative) (string, error) {
	if c.code == "" {
		return "", apierr.New(apierr.KindNotFound, "no code")
	}
	return c.code, nil
}

func newTestEngine(execs map[registry.FunctionType]executor.Executor, code string) *Engine {
	return NewEngine(
		executor.NewDispatcher(execs),
		&codeStub{code: code},
		auth.NewAnonymousAuthorizer(),
	)
}

func meta(id string, typ registry.FunctionType) *registry.Metadata {
	return &registry.Metadata{ID: id, Type: typ}
}

func TestExecuteFirstTierSuccess(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode: ok(map[string]any{"answer": 5.0}),
	}, "fn(){}")

	res, err := e.Execute(context.Background(), &Request{
		Meta:  meta("sum", registry.TypeCode),
		Input: map[string]any{"a": 2.0, "b": 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeCode, res.SuccessTier)
	assert.Equal(t, map[string]any{"answer": 5.0}, res.Output)
	require.Len(t, res.History, 1)
	assert.Equal(t, StatusCompleted, res.History[0].Status)
	assert.Equal(t, 0, res.Metrics.Escalations)
	assert.Equal(t, 0, res.Metrics.TotalRetries)
}

func TestExecuteEscalatesToHuman(t *testing.T) {
	human := &tierStub{result: &executor.Result{Status: 202, Body: map[string]any{
		"taskId": "t1", "pendingHumanReview": true,
	}}}
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       failing("no artifact"),
		registry.TypeGenerative: failing("model refused"),
		registry.TypeAgentic:    failing("budget blown"),
		registry.TypeHuman:      human,
	}, "")

	res, err := e.Execute(context.Background(), &Request{
		Meta:  meta("needs-human", registry.TypeCode),
		Input: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeHuman, res.SuccessTier)
	require.Len(t, res.History, 4)
	for _, a := range res.History[:3] {
		assert.Equal(t, StatusFailed, a.Status)
		assert.NotEmpty(t, a.Error)
	}
	assert.Equal(t, StatusCompleted, res.History[3].Status)
	assert.Equal(t, 3, res.Metrics.Escalations)

	out, okCast := res.Output.(map[string]any)
	require.True(t, okCast)
	assert.Equal(t, true, out["pendingHumanReview"])
}

func TestExecuteExhaustion(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       failing("a"),
		registry.TypeGenerative: failing("b"),
		registry.TypeAgentic:    failing("c"),
	}, "")

	_, err := e.Execute(context.Background(), &Request{
		Meta:  meta("doomed", registry.TypeCode),
		Input: map[string]any{},
	})
	var exhausted *ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.History, 3)
	assert.Equal(t, 2, exhausted.Metrics.Escalations)
	for _, a := range exhausted.History {
		assert.Equal(t, StatusFailed, a.Status)
	}
}

func TestExecuteNoTiersAvailable(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode: ok("x"),
	}, "code")

	_, err := e.Execute(context.Background(), &Request{
		Meta:    meta("fn", registry.TypeCode),
		Options: Options{SkipTiers: []registry.FunctionType{registry.TypeCode}},
	})
	var exhausted *ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "NO_TIERS_AVAILABLE", exhausted.Reason)
	assert.Empty(t, exhausted.History)
}

func TestExecuteAuthorizationShortCircuits(t *testing.T) {
	gen := ok("never")
	e := NewEngine(
		executor.NewDispatcher(map[registry.FunctionType]executor.Executor{
			registry.TypeGenerative: gen,
			registry.TypeHuman:      ok("also never"),
		}),
		nil,
		auth.NewAuthorizer(),
	)

	_, err := e.Execute(context.Background(), &Request{
		Meta:      meta("gen-fn", registry.TypeGenerative),
		Principal: &auth.Principal{Subject: "u1", Scopes: nil},
	})
	var denied *auth.TierAuthorizationError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, registry.TypeGenerative, denied.Tier)
	assert.Equal(t, "functions:tier:generative", denied.RequiredScope)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestExecuteEscalationBoundaryAuthorization(t *testing.T) {
	// Code tier is open; generative needs a scope the caller lacks. The
	// denial ends the cascade instead of escalating past it.
	e := NewEngine(
		executor.NewDispatcher(map[registry.FunctionType]executor.Executor{
			registry.TypeCode:       failing("nope"),
			registry.TypeGenerative: ok("x"),
		}),
		&codeStub{},
		auth.NewAuthorizer(),
	)

	_, err := e.Execute(context.Background(), &Request{
		Meta:      meta("fn", registry.TypeCode),
		Principal: &auth.Principal{Subject: "u1"},
	})
	var denied *auth.TierAuthorizationError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, registry.TypeGenerative, denied.Tier)
}

func TestExecuteWildcardScopeGrantsAll(t *testing.T) {
	e := NewEngine(
		executor.NewDispatcher(map[registry.FunctionType]executor.Executor{
			registry.TypeHuman: &tierStub{result: &executor.Result{Status: 202, Body: map[string]any{"taskId": "t"}}},
		}),
		nil,
		auth.NewAuthorizer(),
	)

	res, err := e.Execute(context.Background(), &Request{
		Meta:      meta("fn", registry.TypeHuman),
		Principal: &auth.Principal{Subject: "root", Scopes: []string{"*"}},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeHuman, res.SuccessTier)
}

func TestExecuteTierTimeout(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       &tierStub{delay: 200 * time.Millisecond, result: &executor.Result{Status: 200}},
		registry.TypeGenerative: ok("recovered"),
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta: meta("slow", registry.TypeCode),
		Options: Options{TierTimeouts: map[registry.FunctionType]int64{
			registry.TypeCode: 20,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeGenerative, res.SuccessTier)
	require.Len(t, res.History, 2)
	assert.Equal(t, StatusTimeout, res.History[0].Status)
}

func TestExecuteZeroTimeoutSkipsWithBudgetExhausted(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       ok("never runs"),
		registry.TypeGenerative: ok("runs"),
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta: meta("fn", registry.TypeCode),
		Options: Options{TierTimeouts: map[registry.FunctionType]int64{
			registry.TypeCode: 0,
		}},
	})
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	assert.Equal(t, StatusSkipped, res.History[0].Status)
	assert.Equal(t, ReasonBudgetExhausted, res.History[0].Reason)
	assert.Empty(t, res.History[0].Error)
	assert.Nil(t, res.History[0].Result)
	assert.Contains(t, res.SkippedTiers, registry.TypeCode)
	assert.Equal(t, registry.TypeGenerative, res.SuccessTier)
}

func TestExecuteTotalBudgetSkipsRemainingTiers(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       &tierStub{delay: 80 * time.Millisecond, result: &executor.Result{Status: 500, Body: map[string]any{"error": "x"}}},
		registry.TypeGenerative: ok("too late"),
	}, "code")

	_, err := e.Execute(context.Background(), &Request{
		Meta:    meta("fn", registry.TypeCode),
		Options: Options{TotalTimeout: 50},
	})
	var exhausted *ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.History, 2)
	last := exhausted.History[1]
	assert.Equal(t, StatusSkipped, last.Status)
	assert.Equal(t, ReasonBudgetExhausted, last.Reason)
}

func TestExecuteCancellationStopsCascade(t *testing.T) {
	gen := ok("never")
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       &tierStub{delay: time.Second, result: &executor.Result{Status: 200}},
		registry.TypeGenerative: gen,
	}, "code")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, &Request{Meta: meta("fn", registry.TypeCode)})
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	require.Len(t, cancelled.History, 1)
	assert.Equal(t, StatusFailed, cancelled.History[0].Status)
	assert.Equal(t, "cancelled", cancelled.History[0].Error)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestExecuteFallbackThreadsContext(t *testing.T) {
	var seen map[string]any
	capture := &captureExecutor{out: &seen}
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       failing("first failure"),
		registry.TypeGenerative: capture,
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta:    meta("fn", registry.TypeCode),
		Input:   map[string]any{"q": "hi"},
		Options: Options{EnableFallback: true},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeGenerative, res.SuccessTier)
	require.Contains(t, seen, "_fallback")
	fb := seen["_fallback"].(map[string]any)
	assert.Equal(t, registry.TypeCode, fb["tier"])
	assert.Contains(t, fb["error"], "first failure")
	assert.Equal(t, "hi", seen["q"])
}

type captureExecutor struct {
	out *map[string]any
}

func (c *captureExecutor) Execute(_ context.Context, _ *registry.Metadata, input map[string]any, _ string) (*executor.Result, error) {
	*c.out = input
	return &executor.Result{Status: 200, Body: map[string]any{"output": "done"}}, nil
}

func TestExecuteParallelFirstSuccessWins(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       &tierStub{delay: 300 * time.Millisecond, result: &executor.Result{Status: 200, Body: map[string]any{"output": "slow"}}},
		registry.TypeGenerative: &tierStub{delay: 10 * time.Millisecond, result: &executor.Result{Status: 200, Body: map[string]any{"output": "fast"}}},
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta:    meta("race", registry.TypeCode),
		Options: Options{EnableParallel: true},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeGenerative, res.SuccessTier)
	assert.Equal(t, "fast", res.Output)
	assert.Equal(t, 0, res.Metrics.Escalations)
	assert.Len(t, res.History, 2)
}

func TestExecuteParallelAuthDenialIsLocalFailure(t *testing.T) {
	e := NewEngine(
		executor.NewDispatcher(map[registry.FunctionType]executor.Executor{
			registry.TypeCode:       ok("open tier wins"),
			registry.TypeGenerative: ok("needs scope"),
		}),
		&codeStub{code: "c"},
		auth.NewAuthorizer(),
	)

	res, err := e.Execute(context.Background(), &Request{
		Meta:      meta("fn", registry.TypeCode),
		Principal: &auth.Principal{Subject: "u1"},
		Options:   Options{EnableParallel: true},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeCode, res.SuccessTier)

	var denied bool
	for _, a := range res.History {
		if a.Tier == registry.TypeGenerative && a.Status == StatusFailed {
			denied = true
		}
	}
	assert.True(t, denied)
}

func TestExecuteAutoStartUsesHeuristic(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       ok("x"),
		registry.TypeGenerative: ok("y"),
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta:    &registry.Metadata{ID: "summarize-text", Description: "summarize the given document"},
		Options: Options{StartTier: StartTierAuto},
	})
	require.NoError(t, err)
	assert.True(t, res.AutoClassified)
	require.NotNil(t, res.Classification)
}

func TestExecuteInvalidStartTier(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode: ok("x"),
	}, "code")

	_, err := e.Execute(context.Background(), &Request{
		Meta:    meta("fn", registry.TypeCode),
		Options: Options{StartTier: "quantum"},
	})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestExecuteStartTierTrimsEarlierTiers(t *testing.T) {
	code := ok("never")
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:    code,
		registry.TypeAgentic: ok("agentic result"),
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta:    meta("fn", registry.TypeCode),
		Options: Options{StartTier: string(registry.TypeAgentic)},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeAgentic, res.SuccessTier)
	assert.Equal(t, int32(0), code.calls.Load())
}

func TestExecuteRetriesSurfaceInMetrics(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeGenerative: &tierStub{result: &executor.Result{
			Status:  200,
			Body:    map[string]any{"output": "ok"},
			Retries: 2,
		}},
	}, "")

	res, err := e.Execute(context.Background(), &Request{
		Meta: meta("fn", registry.TypeGenerative),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metrics.TotalRetries)
}

func TestTierOrderCanonical(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:    ok("a"),
		registry.TypeAgentic: ok("b"),
		registry.TypeHuman:   ok("c"),
	}, "code")

	order := e.tierOrder(registry.TypeCode, &Options{})
	assert.Equal(t, []registry.FunctionType{registry.TypeCode, registry.TypeAgentic, registry.TypeHuman}, order)

	order = e.tierOrder(registry.TypeAgentic, &Options{SkipTiers: []registry.FunctionType{registry.TypeHuman}})
	assert.Equal(t, []registry.FunctionType{registry.TypeAgentic}, order)
}

func TestExecuteTransportErrorEscalates(t *testing.T) {
	e := newTestEngine(map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       &tierStub{err: errors.New("sandbox unreachable")},
		registry.TypeGenerative: ok("saved"),
	}, "code")

	res, err := e.Execute(context.Background(), &Request{
		Meta: meta("fn", registry.TypeCode),
	})
	require.NoError(t, err)
	assert.Equal(t, registry.TypeGenerative, res.SuccessTier)
	assert.Equal(t, StatusFailed, res.History[0].Status)
}
