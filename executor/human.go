package executor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/registry"
)

// Task is a unit of work handed to a human reviewer.
type Task struct {
	ID         string         `json:"id"`
	FunctionID string         `json:"functionId"`
	Input      map[string]any `json:"input"`
	Prompt     string         `json:"prompt,omitempty"`
}

// TaskHandle locates a queued task.
type TaskHandle struct {
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
}

// TaskQueue is the out-of-band queue the human tier hands work to.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) (*TaskHandle, error)
}

// HumanExecutor runs the human tier. It never blocks on the reviewer: the
// task is enqueued and the result is a 202 with the task handle.
type HumanExecutor struct {
	queue  TaskQueue
	logger *slog.Logger
}

// NewHumanExecutor creates a human executor over a task queue.
func NewHumanExecutor(queue TaskQueue, logger *slog.Logger) *HumanExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HumanExecutor{queue: queue, logger: logger}
}

// Execute enqueues a review task and returns immediately.
func (e *HumanExecutor) Execute(ctx context.Context, meta *registry.Metadata, input map[string]any, _ string) (*Result, error) {
	task := Task{
		ID:         ident.NewTaskID(),
		FunctionID: meta.ID,
		Input:      input,
		Prompt:     humanPrompt(meta, input),
	}

	handle, err := e.queue.Enqueue(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Status: 503,
			Body:   map[string]any{"error": "task queue unavailable: " + err.Error()},
		}, nil
	}

	e.logger.Info("Human task enqueued",
		"function_id", meta.ID, "task_id", handle.ID)

	return &Result{
		Status: 202,
		Body: map[string]any{
			"taskId":             handle.ID,
			"taskUrl":            handle.URL,
			"taskStatus":         handle.Status,
			"pendingHumanReview": true,
		},
	}, nil
}

func humanPrompt(meta *registry.Metadata, input map[string]any) string {
	prompt := meta.Description
	if meta.Goal != "" {
		prompt = meta.Goal
	}
	if raw, err := json.Marshal(input); err == nil {
		prompt += "\n\nInput: " + string(raw)
	}
	return prompt
}
