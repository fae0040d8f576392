// Package classify decides which tier a function starts on when the caller
// requests automatic placement. A model backend proposes the tier; a
// deterministic keyword heuristic covers backend failures, and a confidence
// threshold guards against low-quality answers.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/cascade/llm"
	"github.com/c360studio/cascade/registry"
)

// ConfidenceThreshold is the minimum confidence at which a classification
// is trusted. Below it the decision falls back to the code tier.
const ConfidenceThreshold = 0.6

// Decision is a classification outcome.
type Decision struct {
	Type       registry.FunctionType `json:"type"`
	Confidence float64               `json:"confidence"`
	Reasoning  string                `json:"reasoning,omitempty"`
}

// Backend is the completion surface the classifier needs. *llm.Client
// satisfies it.
type Backend interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Classifier maps function metadata to a starting tier.
type Classifier struct {
	backend Backend
	logger  *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the classifier's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger
	}
}

// New creates a classifier. A nil backend always uses the heuristic.
func New(backend Backend, opts ...Option) *Classifier {
	c := &Classifier{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const classifySystemPrompt = `You place functions on an execution tier. The tiers are:
- code: deterministic logic expressible as a program (parsing, math, transforms)
- generative: a single model completion (writing, summarizing, translation)
- agentic: multi-step reasoning with tool use (research, planning, orchestration)
- human: requires human judgment or approval

Respond with JSON only: {"type": "<tier>", "confidence": <0..1>, "reasoning": "<short>"}`

// Classify decides the effective type for a function. An explicit metadata
// type is always honored. Otherwise the backend is consulted, the cache is
// checked first when provided, and the heuristic covers backend failures.
// Low-confidence answers fall back to the code tier.
func (c *Classifier) Classify(ctx context.Context, meta *registry.Metadata, cache *DecisionCache) (Decision, error) {
	if meta == nil {
		return Decision{}, fmt.Errorf("classify: metadata is required")
	}
	if meta.Type != "" {
		if !registry.IsValidType(meta.Type) {
			return Decision{}, fmt.Errorf("classify: unknown declared type %q", meta.Type)
		}
		return Decision{Type: meta.Type, Confidence: 1.0, Reasoning: "declared on metadata"}, nil
	}

	key := cacheKey(meta)
	if cache != nil {
		if d, ok := cache.Get(key); ok {
			return d, nil
		}
	}

	d := c.decide(ctx, meta)
	if d.Confidence < ConfidenceThreshold {
		c.logger.Debug("Classification below threshold, defaulting to code",
			"function_id", meta.ID, "proposed", d.Type, "confidence", d.Confidence)
		d = Decision{
			Type:       registry.TypeCode,
			Confidence: d.Confidence,
			Reasoning:  fmt.Sprintf("low confidence (%s: %s)", d.Type, d.Reasoning),
		}
	}

	if cache != nil {
		cache.Put(key, d)
	}
	return d, nil
}

// decide consults the backend, falling back to the heuristic when it is
// absent or errors.
func (c *Classifier) decide(ctx context.Context, meta *registry.Metadata) Decision {
	if c.backend == nil {
		return Heuristic(meta)
	}

	resp, err := c.backend.Complete(ctx, llm.Request{
		Capability: string(llm.CapabilityClassify),
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: classifyUserPrompt(meta)},
		},
		Temperature: floatPtr(0),
	})
	if err != nil {
		c.logger.Warn("Classifier backend unavailable, using heuristic",
			"function_id", meta.ID, "error", err)
		return Heuristic(meta)
	}

	d, err := parseDecision(resp.Content)
	if err != nil {
		c.logger.Warn("Unparseable classification, using heuristic",
			"function_id", meta.ID, "error", err)
		return Heuristic(meta)
	}
	return d
}

func classifyUserPrompt(meta *registry.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Function id: %s\n", meta.ID)
	if meta.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", meta.Name)
	}
	if desc := descriptionOf(meta); desc != "" {
		fmt.Fprintf(&b, "Description: %s\n", desc)
	}
	if meta.InputSchema != nil {
		if raw, err := json.Marshal(meta.InputSchema); err == nil {
			fmt.Fprintf(&b, "Input schema: %s\n", raw)
		}
	}
	return b.String()
}

// parseDecision extracts a decision from model output, tolerating markdown
// fences and JSON artifacts.
func parseDecision(content string) (Decision, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return Decision{}, fmt.Errorf("no JSON object in classification response")
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("parse classification: %w", err)
	}
	if !registry.IsValidType(d.Type) {
		return Decision{}, fmt.Errorf("unknown tier %q in classification", d.Type)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return Decision{}, fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return d, nil
}

// cacheKey derives a stable key from the inputs the decision depends on.
func cacheKey(meta *registry.Metadata) string {
	return meta.ID + "\x00" + descriptionOf(meta)
}

func floatPtr(f float64) *float64 { return &f }
