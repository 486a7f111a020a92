// Package llm implements the provider facade: a single abstract LLM
// client exposing plain completion, a tool-augmented reasoning loop, and
// schema-constrained extraction, wrapped in caching, retry, and
// model-fallback policy. Concrete wire transports live in the anthropic,
// openai, and google subpackages.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of a chat-shaped conversation.
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string
	ToolCalls []ToolCall
}

// ToolCall is a single function/tool invocation emitted by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolSchema describes one callable tool for the provider's function-calling
// surface.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TokenUsage reports the token accounting for one completion.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Response is what a transport returns for one non-streaming call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Transport is the pluggable wire-level client each provider kind
// implements. Chat is the only operation a transport exposes — the
// pipeline never streams; every agent call is one shot.
type Transport interface {
	// Chat sends msgs (optionally offering tools and/or a JSON schema the
	// response must validate against) and returns the provider's reply.
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, schema map[string]any, model string) (Response, error)

	// NativeSchema reports whether this transport enforces schema directly
	// (true) or requires the multi-strategy extraction fallback in
	// facade.go (false, e.g. self-hosted/local-inference backends).
	NativeSchema() bool
}

// Kind enumerates the recognized provider transports. Persistent dynamic
// registries are a closed, tagged-variant set by design — adding a new kind
// is a code change, not a runtime plugin load.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindAnthropic  Kind = "anthropic"
	KindGemini     Kind = "gemini"
	KindMoonshot   Kind = "moonshot"
	KindDeepSeek   Kind = "deepseek"
	KindMistral    Kind = "mistral"
	KindOpenRouter Kind = "openrouter"
	KindOllama     Kind = "ollama"
)
