package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/cascade/llm"
	"github.com/c360studio/cascade/registry"
)

// ModelBackend is the completion surface the model-backed executors need.
// *llm.Client satisfies it.
type ModelBackend interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// GenerativeExecutor runs the generative tier: one model completion built
// from the function's prompts, with the input interpolated into the user
// prompt.
type GenerativeExecutor struct {
	backend ModelBackend
	logger  *slog.Logger
}

// NewGenerativeExecutor creates a generative executor.
func NewGenerativeExecutor(backend ModelBackend, logger *slog.Logger) *GenerativeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerativeExecutor{backend: backend, logger: logger}
}

// Execute performs a single completion.
func (e *GenerativeExecutor) Execute(ctx context.Context, meta *registry.Metadata, input map[string]any, _ string) (*Result, error) {
	system := meta.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You implement the function %q. %s", meta.ID, meta.Description)
	}
	if meta.OutputSchema != nil {
		if raw, err := json.Marshal(meta.OutputSchema); err == nil {
			system += "\n\nRespond with JSON only, matching this schema: " + string(raw)
		}
	}

	resp, err := e.backend.Complete(ctx, llm.Request{
		Capability: string(llm.CapabilityGenerative),
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: userMessage(meta, input)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Status: 502,
			Body:   map[string]any{"error": err.Error()},
		}, nil
	}

	return &Result{
		Status:  200,
		Body:    map[string]any{"output": shapeOutput(meta, resp.Content)},
		Retries: resp.Retries,
	}, nil
}

// userMessage builds the user turn: the user prompt with {{key}}
// placeholders substituted from the input, or the input as JSON when no
// prompt is declared.
func userMessage(meta *registry.Metadata, input map[string]any) string {
	if meta.UserPrompt != "" {
		return interpolate(meta.UserPrompt, input)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(raw)
}

// interpolate replaces {{key}} placeholders with stringified input values.
// Unknown placeholders are left intact.
func interpolate(template string, input map[string]any) string {
	result := template
	for key, value := range input {
		placeholder := "{{" + key + "}}"
		if !strings.Contains(result, placeholder) {
			continue
		}
		result = strings.ReplaceAll(result, placeholder, stringify(value))
	}
	return result
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// shapeOutput parses the completion into the declared output shape: JSON
// when an output schema exists, raw text otherwise.
func shapeOutput(meta *registry.Metadata, content string) any {
	if meta.OutputSchema == nil {
		return strings.TrimSpace(content)
	}
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return strings.TrimSpace(content)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(content)
	}
	return parsed
}
