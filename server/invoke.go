package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/registry"
)

// cascadeRequestBody is the /cascade wire format.
type cascadeRequestBody struct {
	Input   map[string]any  `json:"input"`
	Options cascade.Options `json:"options"`
}

// handleCascade runs the full tier escalation for one function.
func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	cascadeID := ident.NewExecutionID()
	w.Header().Set("X-Cascade-Id", cascadeID)
	defer func() {
		w.Header().Set("X-Execution-Time", strconv.FormatInt(time.Since(started).Milliseconds(), 10))
	}()

	var body cascadeRequestBody
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeError(w, err, cascadeID)
		return
	}

	inv := &invocation{
		functionID: r.PathValue("id"),
		version:    r.URL.Query().Get("version"),
		input:      body.Input,
		options:    body.Options,
		principal:  s.principal(r),
		cascadeID:  cascadeID,
	}

	if err := s.runPipeline(r.Context(), inv, s.cascadePipeline()); err != nil {
		writeError(w, err, cascadeID)
		return
	}

	s.writeCascadeResult(w, inv, started)
}

// handleInvoke executes exactly one tier: the function's effective type,
// with every other tier skipped. It additionally accepts multipart form
// and plain text inputs.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	cascadeID := ident.NewExecutionID()
	w.Header().Set("X-Cascade-Id", cascadeID)
	defer func() {
		w.Header().Set("X-Execution-Time", strconv.FormatInt(time.Since(started).Milliseconds(), 10))
	}()

	input, err := decodeInvokeInput(w, r)
	if err != nil {
		writeError(w, err, cascadeID)
		return
	}

	inv := &invocation{
		functionID: r.PathValue("id"),
		version:    r.URL.Query().Get("version"),
		input:      input,
		principal:  s.principal(r),
		cascadeID:  cascadeID,
	}

	stages := s.cascadePipeline()
	// Single-tier mode: once the start tier is resolved, skip the rest of
	// the canonical order so no escalation happens.
	for i, st := range stages {
		if st.name == "authorize" {
			stages = append(stages[:i:i], append([]stage{{"pin-tier", pinSingleTier}}, stages[i:]...)...)
			break
		}
	}

	if err := s.runPipeline(r.Context(), inv, stages); err != nil {
		writeError(w, err, cascadeID)
		return
	}

	s.writeCascadeResult(w, inv, started)
}

// pinSingleTier restricts the order to the resolved start tier.
func pinSingleTier(_ context.Context, inv *invocation) error {
	var skips []registry.FunctionType
	for _, t := range registry.ValidTypes {
		if t != inv.startTier {
			skips = append(skips, t)
		}
	}
	inv.options.SkipTiers = skips
	return nil
}

func (s *Server) writeCascadeResult(w http.ResponseWriter, inv *invocation, started time.Time) {
	res := inv.result
	w.Header().Set("X-Success-Tier", string(res.SuccessTier))

	meta := respMeta{
		CascadeID:      inv.cascadeID,
		FunctionID:     inv.functionID,
		ExecutedAt:     started.UTC(),
		TiersAttempted: len(res.History),
	}
	if inv.decision != nil {
		meta.AutoClassified = true
		meta.Classification = inv.decision
	}

	writeJSON(w, http.StatusOK, cascadeResponse{
		Output:       res.Output,
		SuccessTier:  res.SuccessTier,
		History:      res.History,
		SkippedTiers: emptyIfNil(res.SkippedTiers),
		Metrics:      res.Metrics,
		Meta:         meta,
	})
}

func emptyIfNil(tiers []registry.FunctionType) []registry.FunctionType {
	if tiers == nil {
		return []registry.FunctionType{}
	}
	return tiers
}

// decodeInvokeInput shapes the request body into a JSON-like input map by
// content type: JSON objects pass through, form fields become string
// values, and plain text lands under "text".
func decodeInvokeInput(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		ct = "application/json"
	}

	switch ct {
	case "", "application/json":
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return nil, err
		}
		return body.Input, nil

	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, apierr.Wrap(apierr.KindValidation, "malformed multipart body", err)
		}
		input := make(map[string]any, len(r.MultipartForm.Value))
		for name, values := range r.MultipartForm.Value {
			if len(values) == 1 {
				input[name] = values[0]
			} else {
				input[name] = values
			}
		}
		return input, nil

	case "text/plain":
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": string(raw)}, nil

	default:
		return nil, apierr.Newf(apierr.KindValidation, "unsupported content type %q", ct)
	}
}
