// Package llmfactory builds concrete llm.Transport implementations for a
// configured provider Kind. It lives outside package llm because each
// provider adapter (anthropic, google, openai) imports llm for the Transport
// types it implements, so the factory cannot live in llm without creating an
// import cycle.
package llmfactory

import (
	"context"
	"fmt"
	"net/http"

	"archdoc/internal/llm"
	"archdoc/internal/llm/anthropic"
	"archdoc/internal/llm/google"
	openaitransport "archdoc/internal/llm/openai"
)

// defaultBaseURLs gives the well-known endpoint for each OpenAI-compatible
// kind, used when the configuration does not override api_base_url.
var defaultBaseURLs = map[llm.Kind]string{
	llm.KindMoonshot:   "https://api.moonshot.cn/v1",
	llm.KindDeepSeek:   "https://api.deepseek.com/v1",
	llm.KindMistral:    "https://api.mistral.ai/v1",
	llm.KindOpenRouter: "https://openrouter.ai/api/v1",
	llm.KindOllama:     "http://localhost:11434/v1",
}

// TransportConfig is the subset of provider configuration the factory needs
// to build a wire Transport for one Kind.
type TransportConfig struct {
	Kind       llm.Kind
	Model      string
	APIKey     string
	APIBaseURL string
}

// BuildTransport constructs the concrete Transport for cfg.Kind. Every
// OpenAI-compatible kind (moonshot, deepseek, mistral, openrouter, ollama)
// is served by the same openai transport, pointed at that provider's base
// URL unless the configuration supplies its own.
func BuildTransport(ctx context.Context, cfg TransportConfig, httpClient *http.Client) (llm.Transport, error) {
	switch cfg.Kind {
	case "", llm.KindOpenAI:
		return openaitransport.New(openaitransport.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.APIBaseURL, Model: cfg.Model,
		}, httpClient), nil

	case llm.KindAnthropic:
		return anthropic.New(anthropic.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.APIBaseURL, Model: cfg.Model,
		}, httpClient), nil

	case llm.KindGemini:
		return google.New(ctx, google.Config{
			APIKey: cfg.APIKey, BaseURL: cfg.APIBaseURL, Model: cfg.Model,
		}, httpClient)

	case llm.KindMoonshot, llm.KindDeepSeek, llm.KindMistral, llm.KindOpenRouter, llm.KindOllama:
		base := cfg.APIBaseURL
		if base == "" {
			base = defaultBaseURLs[cfg.Kind]
		}
		return openaitransport.New(openaitransport.Config{
			APIKey: cfg.APIKey, BaseURL: base, Model: cfg.Model,
		}, httpClient), nil

	default:
		return nil, fmt.Errorf("llm: unsupported provider kind %q", cfg.Kind)
	}
}
