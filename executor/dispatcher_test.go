package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/registry"
)

// stubExecutor returns a canned result or error.
type stubExecutor struct {
	result *Result
	err    error
}

func (s *stubExecutor) Execute(context.Context, *registry.Metadata, map[string]any, string) (*Result, error) {
	return s.result, s.err
}

func TestDispatchUnwrapsOutput(t *testing.T) {
	d := NewDispatcher(map[registry.FunctionType]Executor{
		registry.TypeCode: &stubExecutor{result: &Result{
			Status: 200,
			Body:   map[string]any{"output": map[string]any{"answer": 5.0}},
		}},
	})

	out, err := d.Dispatch(context.Background(), &registry.Metadata{ID: "sum", Type: registry.TypeCode}, nil, "x")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": 5.0}, out.Output)
	assert.False(t, out.Deferred())
}

func TestDispatchKeepsBodyWithoutOutputField(t *testing.T) {
	body := map[string]any{"taskId": "t1", "pendingHumanReview": true}
	d := NewDispatcher(map[registry.FunctionType]Executor{
		registry.TypeHuman: &stubExecutor{result: &Result{Status: 202, Body: body}},
	})

	out, err := d.Dispatch(context.Background(), &registry.Metadata{ID: "fn", Type: registry.TypeHuman}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, body, out.Output)
	assert.True(t, out.Deferred())
}

func TestDispatchConvertsFailureStatus(t *testing.T) {
	d := NewDispatcher(map[registry.FunctionType]Executor{
		registry.TypeCode: &stubExecutor{result: &Result{
			Status: 500,
			Body:   map[string]any{"error": "division by zero"},
		}},
	})

	_, err := d.Dispatch(context.Background(), &registry.Metadata{ID: "fn", Type: registry.TypeCode}, nil, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
	assert.True(t, apierr.Is(err, apierr.KindExecutionError))
}

func TestDispatchMissingExecutor(t *testing.T) {
	d := NewDispatcher(map[registry.FunctionType]Executor{})

	_, err := d.Dispatch(context.Background(), &registry.Metadata{ID: "fn", Type: registry.TypeAgentic}, nil, "")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindNotImplemented))
}

func TestDispatchPropagatesExecutorError(t *testing.T) {
	boom := errors.New("transport down")
	d := NewDispatcher(map[registry.FunctionType]Executor{
		registry.TypeCode: &stubExecutor{err: boom},
	})

	_, err := d.Dispatch(context.Background(), &registry.Metadata{ID: "fn", Type: registry.TypeCode}, nil, "x")
	assert.ErrorIs(t, err, boom)
}

func TestInstalledTiersCanonicalOrder(t *testing.T) {
	d := NewDispatcher(map[registry.FunctionType]Executor{
		registry.TypeHuman: &stubExecutor{},
		registry.TypeCode:  &stubExecutor{},
	})

	assert.Equal(t,
		[]registry.FunctionType{registry.TypeCode, registry.TypeHuman},
		d.InstalledTiers())
	assert.True(t, d.Installed(registry.TypeCode))
	assert.False(t, d.Installed(registry.TypeGenerative))
}
