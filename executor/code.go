package executor

import (
	"context"
	"log/slog"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/registry"
)

// Sandbox executes untrusted code in isolation. Implementations wrap an
// external isolate or a WASM runtime; this package only depends on the
// contract.
type Sandbox interface {
	// Run executes the artifact's entry point with a JSON-shaped input and
	// returns a JSON-shaped output.
	Run(ctx context.Context, code, entryPoint string, input map[string]any) (any, error)

	// Language reports whether the sandbox can run the given language.
	Language(lang string) bool
}

// CodeExecutor runs the code tier. It requires a stored artifact; an empty
// code string is a failed attempt, not an internal error, so the cascade
// can escalate past it.
type CodeExecutor struct {
	sandbox Sandbox
	logger  *slog.Logger
}

// NewCodeExecutor creates a code executor over a sandbox.
func NewCodeExecutor(sandbox Sandbox, logger *slog.Logger) *CodeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeExecutor{sandbox: sandbox, logger: logger}
}

// Execute runs the artifact in the sandbox.
func (e *CodeExecutor) Execute(ctx context.Context, meta *registry.Metadata, input map[string]any, code string) (*Result, error) {
	if code == "" {
		return &Result{
			Status: 404,
			Body:   map[string]any{"error": "no code artifact stored for function " + meta.ID},
		}, nil
	}
	if meta.Language != "" && !e.sandbox.Language(meta.Language) {
		return nil, apierr.Newf(apierr.KindInvalidLanguage, "sandbox does not support language %q", meta.Language)
	}

	entryPoint := meta.EntryPoint
	if entryPoint == "" {
		entryPoint = "handler"
	}

	out, err := e.sandbox.Run(ctx, code, entryPoint, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Status: 500,
			Body:   map[string]any{"error": err.Error()},
		}, nil
	}

	return &Result{
		Status: 200,
		Body:   map[string]any{"output": out},
	}, nil
}
