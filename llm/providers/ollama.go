package providers

import (
	"net/http"

	"github.com/c360studio/cascade/llm"
)

// OllamaProvider serves local model runtimes (Ollama, vLLM) behind their
// OpenAI-compatible endpoint.
type OllamaProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

func (o *OllamaProvider) Name() string {
	return "ollama"
}

func (o *OllamaProvider) BuildURL(baseURL string) string {
	return completionsURL(baseURL, "http://localhost:11434/v1")
}

// SetHeaders carries a bearer token for gateways that require one; a plain
// Ollama install ignores it.
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	bearerFromEnv(req, "OPENAI_API_KEY")
}

func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	return buildChatBody(model, messages, temperature, maxTokens)
}

func (o *OllamaProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	return parseChatCompletion(body)
}
