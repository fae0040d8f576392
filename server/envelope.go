package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/classify"
	"github.com/c360studio/cascade/registry"
)

// maxRequestBodySize limits request bodies. Larger bodies get a 413.
const maxRequestBodySize = 10 << 20 // 10 MiB

// errorBody is the uniform error envelope.
type errorBody struct {
	Error     *apierr.Error `json:"error"`
	RequestID string        `json:"requestId,omitempty"`
}

// respMeta is the _meta block attached to cascade responses.
type respMeta struct {
	CascadeID      string             `json:"cascadeId"`
	FunctionID     string             `json:"functionId"`
	ExecutedAt     time.Time          `json:"executedAt"`
	TiersAttempted int                `json:"tiersAttempted"`
	AutoClassified bool               `json:"autoClassified,omitempty"`
	Classification *classify.Decision `json:"classification,omitempty"`
}

// cascadeResponse is the success body for /cascade and /invoke.
type cascadeResponse struct {
	Output       any                     `json:"output"`
	SuccessTier  registry.FunctionType   `json:"successTier"`
	History      []cascade.Attempt       `json:"history"`
	SkippedTiers []registry.FunctionType `json:"skippedTiers"`
	Metrics      cascade.Metrics         `json:"metrics"`
	Meta         respMeta                `json:"_meta"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError shapes any error into the envelope. Cascade-specific error
// types carry structured details; everything unrecognized collapses to
// INTERNAL_ERROR without leaking internals.
func writeError(w http.ResponseWriter, err error, requestID string) {
	var (
		denied    *auth.TierAuthorizationError
		exhausted *cascade.ExhaustionError
		cancelled *cascade.CancelledError
		tooLarge  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error: apierr.New(apierr.KindForbidden, "insufficient scope for tier "+string(denied.Tier)).
				WithDetails(map[string]any{
					"tier":          denied.Tier,
					"requiredScope": denied.RequiredScope,
				}),
			RequestID: requestID,
		})
	case errors.As(err, &exhausted):
		e := apierr.New(apierr.KindCascadeExhausted, exhausted.Error()).
			WithDetails(map[string]any{
				"history":      exhausted.History,
				"skippedTiers": exhausted.SkippedTiers,
				"metrics":      exhausted.Metrics,
			})
		if exhausted.Reason != "" {
			e.Details["reason"] = exhausted.Reason
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: e, RequestID: requestID})
	case errors.As(err, &cancelled):
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: apierr.New(apierr.KindCancelled, "execution cancelled").
				WithDetails(map[string]any{"history": cancelled.History}),
			RequestID: requestID,
		})
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:     apierr.Newf(apierr.KindPayloadTooLarge, "request body exceeds %d bytes", maxRequestBodySize),
			RequestID: requestID,
		})
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:     apierr.New(apierr.KindFunctionNotFound, "function not found"),
			RequestID: requestID,
		})
	default:
		ae := apierr.From(err)
		writeJSON(w, ae.Status(), errorBody{Error: ae, RequestID: requestID})
	}
}

// decodeJSONBody decodes a size-capped JSON body into dst.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return apierr.Wrap(apierr.KindInvalidJSON, "malformed JSON body", err)
	}
	return nil
}

// PrincipalFunc extracts the authenticated caller from a request. The
// default trusts gateway-injected headers; credential verification itself
// happens upstream.
type PrincipalFunc func(r *http.Request) *auth.Principal

// HeaderPrincipal reads X-Principal-Subject and X-Principal-Scopes
// (comma-separated). No subject header means no principal.
func HeaderPrincipal(r *http.Request) *auth.Principal {
	subject := r.Header.Get("X-Principal-Subject")
	if subject == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Split(r.Header.Get("X-Principal-Scopes"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return &auth.Principal{Subject: subject, Scopes: scopes}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Newf(apierr.KindInvalidParameter, "invalid %s %q", name, raw)
	}
	return n, nil
}
