// Package openai adapts the OpenAI Chat Completions API to the
// llm.Transport interface. The same client also serves every
// OpenAI-compatible provider kind (moonshot, deepseek, mistral,
// openrouter, ollama) by pointing BaseURL at that provider's endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"archdoc/internal/llm"
	"archdoc/internal/observability"
)

// Config configures the OpenAI-compatible transport.
type Config struct {
	APIKey  string
	BaseURL string // empty uses the OpenAI default
	Model   string // fallback model when Chat's model argument is empty
}

// Client is an llm.Transport backed by the OpenAI Chat Completions API (or
// any OpenAI-compatible endpoint reachable via Config.BaseURL).
type Client struct {
	sdk     sdk.Client
	model   string
	baseURL string
}

// New constructs a Client. httpClient may be nil, in which case
// http.DefaultClient is used.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model, baseURL: cfg.BaseURL}
}

// NativeSchema reports true: schema-constrained calls are satisfied by
// forcing a single function-tool call whose arguments become Response.Text.
// This avoids depending on response_format:json_schema support, which
// varies across the OpenAI-compatible backends this client also serves.
func (c *Client) NativeSchema() bool {
	return true
}

// Chat sends msgs to the Chat Completions endpoint.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, schema map[string]any, model string) (llm.Response, error) {
	effectiveModel := firstNonEmpty(model, c.model)

	effectiveTools := tools
	effectiveMsgs := msgs
	var forcedTool string
	if schema != nil {
		forcedTool = "emit_result"
		effectiveTools = append(append([]llm.ToolSchema{}, tools...), llm.ToolSchema{
			Name:        forcedTool,
			Description: "Emit the final structured result.",
			Parameters:  schema,
		})
		effectiveMsgs = append(append([]llm.Message{}, msgs...), llm.Message{
			Role:    "user",
			Content: "Respond by calling the " + forcedTool + " tool exactly once with the final structured result. Do not reply in plain text.",
		})
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(effectiveModel),
		Messages: adaptMessages(effectiveMsgs),
	}
	if len(effectiveTools) > 0 {
		params.Tools = adaptTools(effectiveTools)
	}

	ctx, span := observability.StartSpan(ctx, "openai.chat")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("openai_chat_error")
		return llm.Response{}, classifyError(err)
	}

	out := llm.Response{
		Usage: llm.TokenUsage{
			InputTokens:  int(comp.Usage.PromptTokens),
			OutputTokens: int(comp.Usage.CompletionTokens),
		},
	}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out.Text = msg.Content
		for _, tc := range msg.ToolCalls {
			switch v := tc.AsAny().(type) {
			case sdk.ChatCompletionMessageFunctionToolCall:
				if forcedTool != "" && v.Function.Name == forcedTool {
					out.Text = v.Function.Arguments
					continue
				}
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID: v.ID, Name: v.Function.Name, Args: json.RawMessage(v.Function.Arguments),
				})
			}
		}
	}

	log.Debug().Str("model", effectiveModel).Dur("duration", dur).
		Int("input_tokens", out.Usage.InputTokens).Int("output_tokens", out.Usage.OutputTokens).
		Msg("openai_chat_ok")
	return out, nil
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name: tc.Name, Arguments: string(tc.Args),
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

func adaptTools(tools []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// classifyError maps SDK errors into the provider error taxonomy: 429 and
// 5xx are transient, everything else permanent.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return &llm.ProviderTransient{Err: err}
		}
		return &llm.ProviderPermanent{Err: err}
	}
	return &llm.ProviderTransient{Err: err}
}
