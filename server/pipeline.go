package server

import (
	"context"
	"fmt"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/auth"
	"github.com/c360studio/cascade/cascade"
	"github.com/c360studio/cascade/classify"
	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/registry"
	"github.com/c360studio/cascade/schema"
)

// invocation is the state one request accumulates as it moves through the
// pipeline stages.
type invocation struct {
	functionID string
	version    string
	input      map[string]any
	options    cascade.Options
	principal  *auth.Principal
	cascadeID  string

	meta      *registry.Metadata
	startTier registry.FunctionType
	decision  *classify.Decision
	result    *cascade.Result
}

// stage is one pipeline step. Stage order is data, not call structure.
type stage struct {
	name string
	run  func(ctx context.Context, inv *invocation) error
}

// cascadePipeline is the ordered invocation path: structural validation,
// admission, metadata fetch, input-schema validation, start-tier
// resolution, pre-flight authorization, then the cascade itself.
func (s *Server) cascadePipeline() []stage {
	return []stage{
		{"validate", s.stageValidate},
		{"rate-limit", s.stageRateLimit},
		{"metadata", s.stageMetadata},
		{"validate-input", s.stageValidateInput},
		{"classify", s.stageClassify},
		{"authorize", s.stageAuthorize},
		{"cascade", s.stageCascade},
	}
}

func (s *Server) runPipeline(ctx context.Context, inv *invocation, stages []stage) error {
	for _, st := range stages {
		if err := st.run(ctx, inv); err != nil {
			s.logger.Debug("Pipeline stage rejected request",
				"stage", st.name, "function_id", inv.functionID, "error", err)
			return err
		}
	}
	return nil
}

func (s *Server) stageValidate(_ context.Context, inv *invocation) error {
	if err := ident.ValidateFunctionID(inv.functionID); err != nil {
		return err
	}
	return inv.options.Validate()
}

func (s *Server) stageRateLimit(ctx context.Context, inv *invocation) error {
	if s.limiter == nil || s.ratePolicy.Limit <= 0 {
		return nil
	}
	key := "invoke:" + inv.functionID
	if inv.principal != nil {
		key = "invoke:" + inv.principal.Subject + ":" + inv.functionID
	}
	d, err := s.limiter.CheckAndIncrement(ctx, key, s.ratePolicy.Limit, s.ratePolicy.Window)
	if err != nil {
		// The limiter is advisory; a backend fault must not take down the
		// invocation path.
		s.logger.Warn("Rate limiter unavailable", "error", err)
		return nil
	}
	if !d.Allowed {
		return apierr.Newf(apierr.KindRateLimited, "rate limit exceeded for %s", inv.functionID).
			WithDetails(map[string]any{"resetAt": d.ResetAt})
	}
	return nil
}

func (s *Server) stageMetadata(ctx context.Context, inv *invocation) error {
	meta, err := s.store.GetMetadata(ctx, inv.functionID, inv.version)
	if err != nil {
		return err
	}
	inv.meta = meta
	return nil
}

func (s *Server) stageValidateInput(_ context.Context, inv *invocation) error {
	if inv.meta.InputSchema == nil {
		return nil
	}
	res := schema.Validate(inv.meta.InputSchema, anyInput(inv.input))
	if res.Valid {
		return nil
	}
	details := make([]map[string]any, 0, len(res.Errors))
	for _, e := range res.Errors {
		details = append(details, map[string]any{"path": e.Path, "message": e.Message})
	}
	return apierr.New(apierr.KindValidation, "input does not match the declared schema").
		WithDetails(map[string]any{"errors": details})
}

// anyInput keeps a nil map distinguishable from an empty object for the
// validator.
func anyInput(input map[string]any) any {
	if input == nil {
		return nil
	}
	return input
}

func (s *Server) stageClassify(ctx context.Context, inv *invocation) error {
	tier, decision, err := s.engine.ResolveStartTier(ctx, &cascade.Request{
		Meta:    inv.meta,
		Options: inv.options,
	})
	if err != nil {
		return fmt.Errorf("resolve start tier: %w", err)
	}
	inv.startTier = tier
	inv.decision = decision
	// Pin the resolved tier so the engine does not classify twice.
	inv.options.StartTier = string(tier)
	return nil
}

func (s *Server) stageAuthorize(_ context.Context, inv *invocation) error {
	return s.authorizer.Authorize(inv.principal, inv.startTier)
}

func (s *Server) stageCascade(ctx context.Context, inv *invocation) error {
	result, err := s.engine.Execute(ctx, &cascade.Request{
		Meta:      inv.meta,
		Input:     inv.input,
		Principal: inv.principal,
		Options:   inv.options,
		CascadeID: inv.cascadeID,
		Version:   inv.version,
	})
	if err != nil {
		return err
	}
	inv.result = result
	return nil
}
