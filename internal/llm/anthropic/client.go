// Package anthropic adapts the Anthropic Messages API to the llm.Transport
// interface. Only non-streaming chat is implemented; streaming is out of
// scope for the pipeline, which only ever needs one shot per agent call.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"archdoc/internal/llm"
	"archdoc/internal/observability"
)

const defaultMaxTokens int64 = 4096

// Config configures the Anthropic transport.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string // fallback model when Chat's model argument is empty
}

// Client is an llm.Transport backed by the Anthropic Messages API.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// New constructs a Client. httpClient may be nil, in which case
// http.DefaultClient is used.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model, maxTokens: defaultMaxTokens}
}

// NativeSchema reports true: schema-constrained calls are satisfied here by
// forcing a single synthetic tool call whose arguments become Response.Text,
// so the facade can json.Unmarshal it directly without the fallback parser.
func (c *Client) NativeSchema() bool {
	return true
}

// Chat sends msgs to the Messages API, optionally offering tools or
// constraining the reply to schema via a forced single-tool call.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, schema map[string]any, model string) (llm.Response, error) {
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

	sys, converted, err := adaptMessages(effectiveMsgs)
	if err != nil {
		return llm.Response{}, err
	}

	toolDefs, err := adaptTools(effectiveTools)
	if err != nil {
		return llm.Response{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}

	ctx, span := observability.StartSpan(ctx, "anthropic.chat")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		return llm.Response{}, classifyError(err)
	}

	out := llm.Response{
		Usage: llm.TokenUsage{
			InputTokens:  int(resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	var sb strings.Builder
	var calls []llm.ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			if forcedTool != "" && v.Name == forcedTool {
				args := v.Input
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				sb.WriteString(string(args))
				continue
			}
			calls = append(calls, llm.ToolCall{ID: v.ID, Name: v.Name, Args: v.Input})
		}
	}
	out.Text = sb.String()
	out.ToolCalls = calls

	log.Debug().Str("model", string(params.Model)).Dur("duration", dur).
		Int("input_tokens", out.Usage.InputTokens).Int("output_tokens", out.Usage.OutputTokens).
		Msg("anthropic_chat_ok")
	return out, nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic transport: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("anthropic transport: messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0

	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("anthropic transport: unsupported role %q", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

// classifyError maps SDK errors into the provider error taxonomy. Anthropic
// surfaces HTTP status via *anthropic.Error; 429 and 5xx are transient,
// everything else permanent.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return &llm.ProviderTransient{Err: err}
		}
		return &llm.ProviderPermanent{Err: err}
	}
	return &llm.ProviderTransient{Err: err}
}
