package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/executor"
	"github.com/c360studio/cascade/logstore"
	"github.com/c360studio/cascade/ratelimit"
	"github.com/c360studio/cascade/registry"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu    sync.Mutex
	metas map[string]*registry.Metadata
	code  map[string]string
}

func newMemStore() *memStore {
	return &memStore{metas: make(map[string]*registry.Metadata), code: make(map[string]string)}
}

func (m *memStore) GetMetadata(_ context.Context, id, _ string) (*registry.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *memStore) PutMetadata(_ context.Context, meta *registry.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.metas[meta.ID]; ok {
		meta.CreatedAt = prev.CreatedAt
	} else {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	cp := *meta
	m.metas[meta.ID] = &cp
	return nil
}

func (m *memStore) UpdateMetadata(_ context.Context, meta *registry.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[meta.ID]; !ok {
		return registry.ErrNotFound
	}
	meta.UpdatedAt = time.Now().UTC()
	cp := *meta
	m.metas[meta.ID] = &cp
	return nil
}

func (m *memStore) DeleteMetadata(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[id]; !ok {
		return registry.ErrNotFound
	}
	delete(m.metas, id)
	return nil
}

func (m *memStore) ListMetadata(_ context.Context, _ string, _ int, ftype registry.FunctionType) (*registry.ListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &registry.ListPage{}
	for _, meta := range m.metas {
		if ftype != "" && meta.Type != ftype {
			continue
		}
		cp := *meta
		page.Functions = append(page.Functions, &cp)
	}
	return page, nil
}

func (m *memStore) PutCode(_ context.Context, id, code, _ string, _ registry.Derivative) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code[id] = code
	return nil
}

func (m *memStore) GetCode(_ context.Context, id, _ string, _ registry.Derivative) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.code[id]
	if !ok {
		return "", registry.ErrNotFound
	}
	return code, nil
}

func (m *memStore) DeleteCode(_ context.Context, id, _ string, _ registry.Derivative) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.code, id)
	return nil
}

func (m *memStore) ListVersionsSorted(_ context.Context, id string) (*registry.VersionListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &registry.VersionListing{Versions: []string{meta.Version}, Latest: meta.Version}, nil
}

// sumExecutor adds input.a and input.b, standing in for a sandbox.
type sumExecutor struct{}

func (sumExecutor) Execute(_ context.Context, _ *registry.Metadata, input map[string]any, code string) (*executor.Result, error) {
	if code == "" {
		return &executor.Result{Status: 404, Body: map[string]any{"error": "no code artifact"}}, nil
	}
	a, _ := input["a"].(float64)
	b, _ := input["b"].(float64)
	return &executor.Result{Status: 200, Body: map[string]any{"output": map[string]any{"answer": a + b}}}, nil
}

type cannedExecutor struct {
	result *executor.Result
}

func (c cannedExecutor) Execute(context.Context, *registry.Metadata, map[string]any, string) (*executor.Result, error) {
	return c.result, nil
}

func failingExecutor(msg string) cannedExecutor {
	return cannedExecutor{result: &executor.Result{Status: 500, Body: map[string]any{"error": msg}}}
}

func humanExecutor() cannedExecutor {
	return cannedExecutor{result: &executor.Result{Status: 202, Body: map[string]any{
		"taskId": "task-1", "taskUrl": "/tasks/task-1", "taskStatus": "queued", "pendingHumanReview": true,
	}}}
}

type serverFixture struct {
	srv   *Server
	store *memStore
	logs  *logstore.Aggregator
}

func newFixture(t *testing.T, execs map[registry.FunctionType]executor.Executor, opts ...Option) *serverFixture {
	t.Helper()
	store := newMemStore()
	logs := logstore.NewAggregator()
	t.Cleanup(func() { logs.Drain() })

	authorizer := auth.NewAuthorizer()
	engine := cascade.NewEngine(executor.NewDispatcher(execs), store, authorizer,
		cascade.WithLogAggregator(logs))

	return &serverFixture{
		srv:   New(engine, store, logs, authorizer, opts...),
		store: store,
		logs:  logs,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func deploy(t *testing.T, f *serverFixture, body map[string]any) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/functions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCascadeDeniedWithoutScope(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeGenerative: failingExecutor("unused"),
	})
	deploy(t, f, map[string]any{"id": "gen-fn", "type": "generative"})

	rec := f.do(t, http.MethodPost, "/cascade/gen-fn", map[string]any{
		"input":   map[string]any{},
		"options": map[string]any{"startTier": "generative"},
	}, map[string]string{"X-Principal-Subject": "alice"})

	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "FORBIDDEN", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "generative", details["tier"])
	assert.Equal(t, "functions:tier:generative", details["requiredScope"])
	assert.NotEmpty(t, rec.Header().Get("X-Cascade-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Execution-Time"))
}

func TestCascadeCodeTierSuccess(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})
	deploy(t, f, map[string]any{
		"id": "sum", "type": "code",
		"code": "export const handler = ({a, b}) => ({answer: a + b})",
	})

	rec := f.do(t, http.MethodPost, "/cascade/sum", map[string]any{
		"input": map[string]any{"a": 2, "b": 3},
		"options": map[string]any{
			"skipTiers": []string{"generative", "agentic", "human"},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "code", body["successTier"])
	output := body["output"].(map[string]any)
	assert.Equal(t, 5.0, output["answer"])

	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].(map[string]any)["status"])

	metrics := body["metrics"].(map[string]any)
	assert.Equal(t, 0.0, metrics["escalations"])
	assert.Equal(t, "code", rec.Header().Get("X-Success-Tier"))

	meta := body["_meta"].(map[string]any)
	assert.Equal(t, "sum", meta["functionId"])
	assert.Equal(t, 1.0, meta["tiersAttempted"])
}

func TestCascadeEscalatesToHuman(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       sumExecutor{}, // no code stored, so it fails
		registry.TypeGenerative: failingExecutor("model refused"),
		registry.TypeAgentic:    failingExecutor("loop gave up"),
		registry.TypeHuman:      humanExecutor(),
	})
	deploy(t, f, map[string]any{"id": "needs-human", "type": "code"})

	rec := f.do(t, http.MethodPost, "/cascade/needs-human", map[string]any{
		"input": map[string]any{},
	}, map[string]string{
		"X-Principal-Subject": "bob",
		"X-Principal-Scopes":  "functions:tier:generative, functions:tier:agentic, functions:tier:human",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "human", body["successTier"])
	output := body["output"].(map[string]any)
	assert.Equal(t, true, output["pendingHumanReview"])

	history := body["history"].([]any)
	require.Len(t, history, 4)
	for _, raw := range history[:3] {
		status := raw.(map[string]any)["status"]
		assert.Contains(t, []any{"failed", "skipped"}, status)
	}
	assert.Equal(t, "completed", history[3].(map[string]any)["status"])
}

func TestCascadeExhaustion(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       sumExecutor{},
		registry.TypeGenerative: failingExecutor("gen down"),
		registry.TypeAgentic:    failingExecutor("agent down"),
	})
	deploy(t, f, map[string]any{"id": "doomed", "type": "code"})

	rec := f.do(t, http.MethodPost, "/cascade/doomed", map[string]any{
		"input": map[string]any{},
	}, map[string]string{
		"X-Principal-Subject": "bob",
		"X-Principal-Scopes":  "*",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "CASCADE_EXHAUSTED", errObj["code"])
	history := errObj["details"].(map[string]any)["history"].([]any)
	assert.GreaterOrEqual(t, len(history), 3)
	assert.NotContains(t, body, "successTier")
}

func TestCascadeUnknownFunction(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})

	rec := f.do(t, http.MethodPost, "/cascade/ghost", map[string]any{"input": map[string]any{}}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "FUNCTION_NOT_FOUND", decodeBody(t, rec)["error"].(map[string]any)["code"])
}

func TestCascadeInvalidFunctionID(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})

	rec := f.do(t, http.MethodPost, "/cascade/--bad--", map[string]any{"input": map[string]any{}}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FUNCTION_ID", decodeBody(t, rec)["error"].(map[string]any)["code"])
}

func TestCascadeBodyTooLarge(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})

	huge := append([]byte(`{"input":{"blob":"`), bytes.Repeat([]byte("x"), maxRequestBodySize)...)
	huge = append(huge, []byte(`"}}`)...)
	rec := f.do(t, http.MethodPost, "/cascade/sum", huge, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeBody(t, rec)["error"].(map[string]any)["code"])
}

func TestCascadeInputSchemaValidation(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})
	deploy(t, f, map[string]any{
		"id": "strict", "type": "code", "code": "x",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"a": map[string]any{"type": "number"}},
			"required":   []string{"a"},
		},
	})

	rec := f.do(t, http.MethodPost, "/cascade/strict", map[string]any{
		"input": map[string]any{"b": 1},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, rec)["error"].(map[string]any)["code"])
}

func TestCascadeRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(limiter.Close)

	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	}, WithLimiter(limiter, RateLimitPolicy{Limit: 1, Window: time.Minute}))
	deploy(t, f, map[string]any{"id": "limited", "type": "code", "code": "x"})

	body := map[string]any{"input": map[string]any{"a": 1, "b": 1}}
	rec := f.do(t, http.MethodPost, "/cascade/limited", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/cascade/limited", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestInvokeRunsSingleTier(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode:       sumExecutor{},
		registry.TypeGenerative: failingExecutor("must not run"),
	})
	deploy(t, f, map[string]any{"id": "solo", "type": "code", "code": "x"})

	rec := f.do(t, http.MethodPost, "/invoke/solo", map[string]any{
		"input": map[string]any{"a": 4, "b": 6},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "code", body["successTier"])
	assert.Equal(t, 10.0, body["output"].(map[string]any)["answer"])
	assert.Len(t, body["history"].([]any), 1)
}

func TestInvokeTextPlain(t *testing.T) {
	echo := cannedExecutor{result: &executor.Result{Status: 200, Body: map[string]any{"output": "seen"}}}
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: echo,
	})
	deploy(t, f, map[string]any{"id": "echoer", "type": "code", "code": "x"})

	req := httptest.NewRequest(http.MethodPost, "/invoke/echoer", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "seen", decodeBody(t, rec)["output"])
}

func TestDeployRejectsInvalidVersion(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/functions", map[string]any{"id": "fn", "version": "not-semver"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_VERSION", decodeBody(t, rec)["error"].(map[string]any)["code"])
}

func TestPatchRejectsImmutableField(t *testing.T) {
	f := newFixture(t, nil)
	deploy(t, f, map[string]any{"id": "fn", "type": "code"})

	rec := f.do(t, http.MethodPatch, "/functions/fn", map[string]any{"language": "rust"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, "/functions/fn", map[string]any{
		"name": "renamed", "tags": []string{"a"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "renamed", decodeBody(t, rec)["name"])
}

func TestDeleteMissingFunctionIs404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodDelete, "/functions/ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsCaptureQueryAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/logs", map[string]any{
		"functionId": "fn-1", "level": "info", "message": "started",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/logs", map[string]any{
		"entries": []map[string]any{
			{"functionId": "fn-1", "level": "error", "message": "boom"},
			{"functionId": "fn-1", "level": "debug", "message": "detail"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/logs?functionId=fn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody(t, rec)
	assert.Len(t, page["entries"].([]any), 3)

	rec = f.do(t, http.MethodGet, "/logs?functionId=fn-1&level=error", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["entries"].([]any), 1)

	rec = f.do(t, http.MethodGet, "/metrics?functionId=fn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)
	assert.Equal(t, 3.0, stats["count"])
	assert.Equal(t, 1.0, stats["errors"])

	rec = f.do(t, http.MethodDelete, "/logs/fn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, decodeBody(t, rec)["deleted"])
}

func TestCascadeAuditTrailReachesAggregator(t *testing.T) {
	f := newFixture(t, map[registry.FunctionType]executor.Executor{
		registry.TypeCode: sumExecutor{},
	})
	deploy(t, f, map[string]any{"id": "audited", "type": "code", "code": "x"})

	rec := f.do(t, http.MethodPost, "/cascade/audited", map[string]any{
		"input": map[string]any{"a": 1, "b": 2},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	page, err := f.logs.Query(logstore.Filter{FunctionID: "audited"})
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries)
	assert.Equal(t, rec.Header().Get("X-Cascade-Id"), page.Entries[0].RequestID)
}
