package llm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/cascade/llm"
	_ "github.com/c360studio/cascade/llm/providers"
)

const okCompletion = `{
	"id": "chatcmpl-1",
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "hello"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

func testRegistry(url string) *llm.Registry {
	return llm.NewRegistry(
		map[llm.Capability]*llm.CapabilityConfig{
			llm.CapabilityFast: {Preferred: []string{"primary"}},
		},
		map[string]*llm.EndpointConfig{
			"primary": {Provider: "ollama", URL: url, Model: "test-model"},
		},
	)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	client := llm.NewClient(testRegistry(srv.URL))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 0, resp.Retries)
}

func TestCompleteValidation(t *testing.T) {
	client := llm.NewClient(llm.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability")

	_, err = client.Complete(context.Background(), llm.Request{Capability: "fast"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	client := llm.NewClient(testRegistry(srv.URL), llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, resp.Retries)
}

func TestRetryPolicyFollowsTierBudgets(t *testing.T) {
	classify := llm.RetryPolicyFor(llm.CapabilityClassify)
	agentic := llm.RetryPolicyFor(llm.CapabilityAgentic)

	assert.Less(t, classify.MaxAttempts, agentic.MaxAttempts,
		"hot-path classification must retry less than budget-rich agentic calls")
	assert.Less(t, classify.MaxDelay, agentic.MaxDelay)

	// Unknown capabilities get the fast-path budget.
	assert.Equal(t, llm.RetryPolicyFor(llm.CapabilityFast), llm.RetryPolicyFor(llm.Capability("nope")))
}

func TestCompleteFatalErrorStopsFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	registry := llm.NewRegistry(
		map[llm.Capability]*llm.CapabilityConfig{
			llm.CapabilityFast: {Preferred: []string{"primary"}, Fallback: []string{"secondary"}},
		},
		map[string]*llm.EndpointConfig{
			"primary":   {Provider: "ollama", URL: srv.URL, Model: "a"},
			"secondary": {Provider: "ollama", URL: srv.URL, Model: "b"},
		},
	)
	client := llm.NewClient(registry)

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load(), "auth failure must not spill to fallbacks")
}

func TestCompleteFallsBackAcrossEndpoints(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(okCompletion))
	}))
	defer good.Close()

	registry := llm.NewRegistry(
		map[llm.Capability]*llm.CapabilityConfig{
			llm.CapabilityFast: {Preferred: []string{"broken"}, Fallback: []string{"working"}},
		},
		map[string]*llm.EndpointConfig{
			"broken":  {Provider: "ollama", URL: bad.URL, Model: "a"},
			"working": {Provider: "ollama", URL: good.URL, Model: "b"},
		},
	)
	client := llm.NewClient(registry, llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
}

func TestRegistryCircuitBreaker(t *testing.T) {
	registry := testRegistry("http://localhost:1")

	for i := 0; i < 3; i++ {
		registry.MarkEndpointFailure("primary")
	}
	assert.False(t, registry.IsEndpointAvailable("primary"))
	assert.Empty(t, registry.AvailableFallbackChain(llm.CapabilityFast))

	registry.MarkEndpointSuccess("primary")
	assert.True(t, registry.IsEndpointAvailable("primary"))
}

func TestRegistryFallbackChain(t *testing.T) {
	registry := llm.NewRegistry(
		map[llm.Capability]*llm.CapabilityConfig{
			llm.CapabilityGenerative: {Preferred: []string{"a", "b"}, Fallback: []string{"c"}},
		},
		map[string]*llm.EndpointConfig{},
	)

	assert.Equal(t, []string{"a", "b", "c"}, registry.FallbackChain(llm.CapabilityGenerative))

	registry.SetDefault("d")
	assert.Equal(t, []string{"d"}, registry.FallbackChain(llm.CapabilityFast))
}
