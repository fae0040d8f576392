package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/cascade/llm"
	"github.com/c360studio/cascade/registry"
)

// Agentic loop bounds.
const (
	DefaultMaxSteps    = 10
	DefaultTokenBudget = 100_000
)

// Tool is one capability an agentic function may invoke.
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string

	// Description tells the model what the tool does and what arguments it
	// takes.
	Description() string

	// Call invokes the tool.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// AgenticExecutor runs the agentic tier: a model loop that calls tools
// until it produces a final answer, bounded by a step count and a token
// budget.
type AgenticExecutor struct {
	backend     ModelBackend
	tools       map[string]Tool
	maxSteps    int
	tokenBudget int
	logger      *slog.Logger
}

// AgenticOption configures an AgenticExecutor.
type AgenticOption func(*AgenticExecutor)

// WithTools installs the tools available to the loop.
func WithTools(tools ...Tool) AgenticOption {
	return func(e *AgenticExecutor) {
		for _, t := range tools {
			e.tools[t.Name()] = t
		}
	}
}

// WithMaxSteps bounds the number of loop iterations.
func WithMaxSteps(n int) AgenticOption {
	return func(e *AgenticExecutor) {
		e.maxSteps = n
	}
}

// WithTokenBudget bounds total token consumption across the loop.
func WithTokenBudget(n int) AgenticOption {
	return func(e *AgenticExecutor) {
		e.tokenBudget = n
	}
}

// WithAgenticLogger sets the executor's logger.
func WithAgenticLogger(logger *slog.Logger) AgenticOption {
	return func(e *AgenticExecutor) {
		e.logger = logger
	}
}

// NewAgenticExecutor creates an agentic executor.
func NewAgenticExecutor(backend ModelBackend, opts ...AgenticOption) *AgenticExecutor {
	e := &AgenticExecutor{
		backend:     backend,
		tools:       make(map[string]Tool),
		maxSteps:    DefaultMaxSteps,
		tokenBudget: DefaultTokenBudget,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// directive is one model turn in the loop: either a tool call or a final
// answer.
type directive struct {
	Action string         `json:"action"` // "tool" or "final"
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Output any            `json:"output,omitempty"`
}

// Execute runs the reasoning loop.
func (e *AgenticExecutor) Execute(ctx context.Context, meta *registry.Metadata, input map[string]any, _ string) (*Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: e.systemPrompt(meta)},
		{Role: "user", Content: userMessage(meta, input)},
	}

	var (
		tokensUsed int
		retries    int
	)

	for step := 0; step < e.maxSteps; step++ {
		if tokensUsed >= e.tokenBudget {
			return &Result{
				Status:  500,
				Body:    map[string]any{"error": fmt.Sprintf("token budget exhausted after %d steps", step)},
				Retries: retries,
			}, nil
		}

		resp, err := e.backend.Complete(ctx, llm.Request{
			Capability: string(llm.CapabilityAgentic),
			Messages:   messages,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &Result{
				Status:  502,
				Body:    map[string]any{"error": err.Error()},
				Retries: retries,
			}, nil
		}
		tokensUsed += resp.Usage.TotalTokens
		retries += resp.Retries

		d, err := parseDirective(resp.Content)
		if err != nil {
			// One nudge back into the protocol, charged against the step
			// budget.
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: "Respond with a single JSON directive only."})
			continue
		}

		switch d.Action {
		case "final":
			return &Result{
				Status:  200,
				Body:    map[string]any{"output": d.Output, "steps": step + 1},
				Retries: retries,
			}, nil
		case "tool":
			observation := e.callTool(ctx, *d)
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: observation})
		default:
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: fmt.Sprintf("Unknown action %q. Use \"tool\" or \"final\".", d.Action)})
		}
	}

	return &Result{
		Status:  500,
		Body:    map[string]any{"error": fmt.Sprintf("no final answer after %d steps", e.maxSteps)},
		Retries: retries,
	}, nil
}

func (e *AgenticExecutor) systemPrompt(meta *registry.Metadata) string {
	goal := meta.Goal
	if goal == "" {
		goal = meta.Description
	}

	prompt := fmt.Sprintf(`You are working toward this goal: %s

Respond with exactly one JSON directive per turn:
- {"action": "tool", "tool": "<name>", "args": {...}} to call a tool
- {"action": "final", "output": <result>} when the goal is reached
`, goal)

	if len(e.tools) > 0 {
		prompt += "\nAvailable tools:\n"
		for _, t := range e.tools {
			prompt += fmt.Sprintf("- %s: %s\n", t.Name(), t.Description())
		}
	} else {
		prompt += "\nNo tools are available; reason directly to a final answer.\n"
	}
	return prompt
}

// callTool invokes a tool and renders the observation for the next turn.
// Tool failures are observations, not loop failures; the model decides how
// to proceed.
func (e *AgenticExecutor) callTool(ctx context.Context, d directive) string {
	tool, ok := e.tools[d.Tool]
	if !ok {
		return fmt.Sprintf("Tool %q does not exist.", d.Tool)
	}

	out, err := tool.Call(ctx, d.Args)
	if err != nil {
		e.logger.Debug("Tool call failed", "tool", d.Tool, "error", err)
		return fmt.Sprintf("Tool %s failed: %v", d.Tool, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("Tool %s returned: %v", d.Tool, out)
	}
	return fmt.Sprintf("Tool %s returned: %s", d.Tool, raw)
}

func parseDirective(content string) (*directive, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON directive in response")
	}
	var d directive
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("parse directive: %w", err)
	}
	if d.Action == "" {
		return nil, fmt.Errorf("directive missing action")
	}
	return &d, nil
}
