// Package google adapts the Gemini API (via google.golang.org/genai) to
// the llm.Transport interface. Only non-streaming generation is used.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"archdoc/internal/llm"
	"archdoc/internal/observability"
)

// Config configures the Google/Gemini transport.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string // fallback model when Chat's model argument is empty
}

// Client is an llm.Transport backed by the Gemini GenerateContent API.
type Client struct {
	client *genai.Client
	model  string
}

// New constructs a Client. httpClient may be nil, in which case
// http.DefaultClient is used.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("google transport: init client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// NativeSchema reports true: Gemini enforces a JSON response schema
// natively via GenerateContentConfig.ResponseSchema/ResponseMIMEType.
func (c *Client) NativeSchema() bool {
	return true
}

// Chat sends msgs to GenerateContent, optionally offering tools or
// constraining the reply to schema via response_mime_type:application/json.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, schema map[string]any, model string) (llm.Response, error) {
	effectiveModel := c.pickModel(model)

	contents, err := toContents(msgs)
	if err != nil {
		return llm.Response{}, err
	}
	toolDecls, toolCfg, err := adaptTools(tools)
	if err != nil {
		return llm.Response{}, err
	}

	genCfg := &genai.GenerateContentConfig{Tools: toolDecls, ToolConfig: toolCfg}
	if schema != nil {
		genCfg.ResponseMIMEType = "application/json"
		genCfg.ResponseSchema = jsonSchemaToGenaiSchema(schema)
	}

	ctx, span := observability.StartSpan(ctx, "google.chat")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, effectiveModel, contents, genCfg)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("google_chat_error")
		return llm.Response{}, &llm.ProviderTransient{Err: err}
	}

	out, err := messageFromResponse(resp)
	if err != nil {
		span.RecordError(err)
		return llm.Response{}, &llm.ProviderPermanent{Err: err}
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	log.Debug().Str("model", effectiveModel).Dur("duration", dur).
		Int("input_tokens", out.Usage.InputTokens).Int("output_tokens", out.Usage.OutputTokens).
		Msg("google_chat_ok")
	return out, nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func toContents(msgs []llm.Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("google transport: messages required")
	}
	toolNamesByID := make(map[string]string)
	var lastFuncName string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "", "user", "system":
			role = genai.RoleUser
		case "assistant":
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if strings.TrimSpace(tc.Name) != "" {
					lastFuncName = tc.Name
				}
			}
		case "tool":
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = lastFuncName
				if name == "" {
					name = "tool_response"
				}
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("google transport: unsupported role %q", m.Role)
		}

		text := m.Content
		if role == genai.RoleUser && strings.ToLower(strings.TrimSpace(m.Role)) == "system" {
			text = "[system] " + text
		}
		var parts []*genai.Part
		if strings.TrimSpace(text) != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Args, &args)
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return contents, nil
}

func messageFromResponse(resp *genai.GenerateContentResponse) (llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return llm.Response{}, fmt.Errorf("google transport: no candidates in response")
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return llm.Response{}, fmt.Errorf("google transport: response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return llm.Response{}, fmt.Errorf("google transport: response blocked due to recitation")
	}
	if candidate.Content == nil {
		return llm.Response{}, nil
	}

	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			callIdx++
			id := part.FunctionCall.ID
			if strings.TrimSpace(id) == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			calls = append(calls, llm.ToolCall{Name: part.FunctionCall.Name, Args: args, ID: id})
		}
	}
	return llm.Response{Text: sb.String(), ToolCalls: calls}, nil
}

func adaptTools(schemas []llm.ToolSchema) ([]*genai.Tool, *genai.ToolConfig, error) {
	if len(schemas) == 0 {
		return nil, nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s.Name) == "" {
			return nil, nil, fmt.Errorf("google transport: tool name required")
		}
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	cfg := &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, cfg, nil
}

// jsonSchemaToGenaiSchema passes a plain JSON-schema map straight through as
// the raw schema genai expects for ResponseSchema when built from a
// dynamic map rather than a Go struct.
func jsonSchemaToGenaiSchema(schema map[string]any) *genai.Schema {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var s genai.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}
