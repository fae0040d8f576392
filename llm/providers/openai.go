package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/cascade/llm"
)

// OpenAIProvider targets api.openai.com and OpenRouter. It shares the
// chat-completions wire format with OllamaProvider but carries hosted-API
// auth and OpenRouter attribution headers.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}

func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return completionsURL(baseURL, "https://api.openai.com/v1")
}

func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	bearerFromEnv(req, "OPENAI_API_KEY")

	// OpenRouter uses these for app attribution.
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

func (o *OpenAIProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	return buildChatBody(model, messages, temperature, maxTokens)
}

func (o *OpenAIProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	return parseChatCompletion(body)
}
