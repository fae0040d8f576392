// Package providers adapts the model client to concrete API dialects.
// Ollama, vLLM, and OpenRouter all speak the OpenAI chat-completions
// dialect and share one wire format here; Anthropic has its own messages
// API. Each provider registers itself with the client at init time.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/cascade/llm"
)

// chatTurn is one message in the chat-completions dialect.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatPayload is the OpenAI-compatible request body. MaxTokens is a
// pointer so zero omits it and the endpoint default applies; a zero
// Temperature stays in the body because it means deterministic, not unset.
type chatPayload struct {
	Model       string     `json:"model"`
	Messages    []chatTurn `json:"messages"`
	Temperature *float64   `json:"temperature,omitempty"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
}

// chatCompletion is the OpenAI-compatible response body.
type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatTurn `json:"message"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.TokenUsage `json:"usage"`
}

func buildChatBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	turns := make([]chatTurn, len(messages))
	for i, m := range messages {
		turns[i] = chatTurn{Role: m.Role, Content: m.Content}
	}
	payload := chatPayload{Model: model, Messages: turns, Temperature: temperature}
	if maxTokens > 0 {
		payload.MaxTokens = &maxTokens
	}
	return json.Marshal(payload)
}

func parseChatCompletion(body []byte) (*llm.Response, error) {
	var c chatCompletion
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("parse chat completion: %w", err)
	}
	if len(c.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &llm.Response{
		Content:      c.Choices[0].Message.Content,
		Model:        c.Model,
		Usage:        c.Usage,
		FinishReason: c.Choices[0].FinishReason,
	}, nil
}

// completionsURL normalizes a base URL to its chat-completions endpoint.
func completionsURL(base, fallback string) string {
	if base == "" {
		base = fallback
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// bearerFromEnv sets an Authorization header when the variable is present.
func bearerFromEnv(req *http.Request, envKey string) {
	if key := os.Getenv(envKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}
