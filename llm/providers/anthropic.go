package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/cascade/llm"
)

const (
	anthropicAPIVersion       = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider speaks the Anthropic messages API. Unlike the
// chat-completions dialect, the system prompt travels in its own field and
// max_tokens is mandatory.
type AnthropicProvider struct{}

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

func (a *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// messagesPayload is the Anthropic request body.
type messagesPayload struct {
	Model       string     `json:"model"`
	MaxTokens   int        `json:"max_tokens"`
	Messages    []chatTurn `json:"messages"`
	System      string     `json:"system,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
}

func (a *AnthropicProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	system, turns := splitSystemPrompt(messages)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return json.Marshal(messagesPayload{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    turns,
		System:      system,
		Temperature: temperature,
	})
}

// splitSystemPrompt lifts the system message out of the turn list; the
// messages API rejects "system" as a role.
func splitSystemPrompt(messages []llm.Message) (string, []chatTurn) {
	var system string
	turns := make([]chatTurn, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		turns = append(turns, chatTurn{Role: m.Role, Content: m.Content})
	}
	return system, turns
}

// messagesResult is the Anthropic response body.
type messagesResult struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var res messagesResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range res.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: text.String(),
		Model:   res.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
		FinishReason: res.StopReason,
	}, nil
}
