package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"archdoc/internal/cache"
	"archdoc/internal/observability"
	"archdoc/internal/util"
)

// ResponseCache is the subset of *cache.Cache the facade depends on, so
// tests can substitute a fake.
type ResponseCache interface {
	Get(category, prompt, model string, temperature float64, out any) bool
	Set(category, prompt, model string, temperature float64, value any, usage *cache.TokenUsage)
}

// ToolDispatcher executes one tool call by name, returning its result as
// text fed back into the conversation.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ModelConfig names the (primary, fallback) model pair and the call
// parameters shared by every operation against one agent/category.
type ModelConfig struct {
	Primary     string
	Fallback    string
	Temperature float64
}

// ToolLoopConfig configures complete_with_tools.
type ToolLoopConfig struct {
	MaxIterations int // default 10
	// EnableSummaryReasoning controls the behavior on hitting MaxIterations
	// without a final answer: nil and true both summarize the transcript
	// into a best-effort answer; only an explicit false falls through to
	// ReturnPartialOnMaxDepth / MaxDepthExceeded. Defaults to true because a
	// *bool, not bool, is needed to tell "unset" apart from "disabled".
	EnableSummaryReasoning  *bool
	ReturnPartialOnMaxDepth bool
}

func (c ToolLoopConfig) normalized() ToolLoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.EnableSummaryReasoning == nil {
		enabled := true
		c.EnableSummaryReasoning = &enabled
	}
	return c
}

// Facade wraps a wire Transport with caching, retry, and model-fallback
// policy, exposing plain completion, the tool-augmented reasoning loop,
// and schema-constrained extraction.
type Facade struct {
	transport Transport
	cache     ResponseCache
	retry     RetryConfig

	tokenCounter metric.Int64Counter
}

// New constructs a Facade. meter may be nil, in which case token-usage
// metrics are not recorded.
func New(transport Transport, respCache ResponseCache, retry RetryConfig, meter metric.Meter) *Facade {
	f := &Facade{transport: transport, cache: respCache, retry: retry}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("archdoc/llm")
	}
	counter, err := meter.Int64Counter("archdoc.llm.tokens",
		metric.WithDescription("estimated and reported LLM token usage"))
	if err == nil {
		f.tokenCounter = counter
	}
	return f
}

// ToolCallResult is complete_with_tools's return shape.
type ToolCallResult struct {
	Text          string
	ToolCallCount int
}

// Complete performs a single-turn plain completion.
func (f *Facade) Complete(ctx context.Context, category, sys, user string, cfg ModelConfig) (string, error) {
	msgs := []Message{{Role: "system", Content: sys}, {Role: "user", Content: user}}
	prompt := sys + "\x00" + user

	var cached string
	if f.cache.Get(category, prompt, cfg.Primary, cfg.Temperature, &cached) {
		return cached, nil
	}

	resp, _, err := f.dispatchWithFallbackResp(ctx, msgs, nil, nil, cfg)
	if err != nil {
		return "", err
	}
	usage := usageOrEstimate(resp, prompt)
	f.cache.Set(category, prompt, cfg.Primary, cfg.Temperature, resp.Text, &cache.TokenUsage{
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
	})
	return resp.Text, nil
}

// usageOrEstimate falls back to a word-count estimate when the transport
// reported no token accounting (ollama and some OpenAI-compatible backends
// omit it), so cache savings metrics stay populated either way.
func usageOrEstimate(resp Response, prompt string) TokenUsage {
	if resp.Usage != (TokenUsage{}) {
		return resp.Usage
	}
	return TokenUsage{
		InputTokens:  util.CountTokens(prompt),
		OutputTokens: util.CountTokens(resp.Text),
	}
}

// loopState is the explicit state machine driving CompleteWithTools:
// control flow is data, not recursive function calls, which keeps the
// depth bound and cancellation checks in one place.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateDispatchingTool
	stateFinalizing
	stateExhausted
)

// CompleteWithTools runs the multi-turn tool-augmented reasoning loop.
func (f *Facade) CompleteWithTools(ctx context.Context, category, sys, user string, tools []ToolSchema, dispatcher ToolDispatcher, cfg ModelConfig, loopCfg ToolLoopConfig) (ToolCallResult, error) {
	loopCfg = loopCfg.normalized()
	msgs := []Message{{Role: "system", Content: sys}, {Role: "user", Content: user}}

	state := stateAwaitingModel
	toolCallCount := 0
	iterations := 0
	// transcript carries every assistant turn and tool result, so the
	// cap-hit summarizer sees the full reasoning and tool transcript.
	var transcript []Message

	for state != stateFinalizing && state != stateExhausted {
		if err := ctx.Err(); err != nil {
			return ToolCallResult{}, &Cancelled{}
		}

		switch state {
		case stateAwaitingModel:
			if iterations >= loopCfg.MaxIterations {
				state = stateExhausted
				continue
			}
			resp, err := f.dispatchOnce(ctx, msgs, tools, nil, cfg)
			if err != nil {
				return ToolCallResult{}, err
			}
			iterations++
			assistantMsg := Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
			msgs = append(msgs, assistantMsg)
			transcript = append(transcript, assistantMsg)
			if len(resp.ToolCalls) == 0 {
				return ToolCallResult{Text: resp.Text, ToolCallCount: toolCallCount}, nil
			}
			state = stateDispatchingTool

		case stateDispatchingTool:
			last := msgs[len(msgs)-1]
			for _, tc := range last.ToolCalls {
				loggedArgs := tc.Args
				if len(loggedArgs) == 0 {
					loggedArgs = json.RawMessage("{}")
				}
				observability.LoggerWithTrace(ctx).Debug().
					Str("tool", tc.Name).
					RawJSON("args", observability.RedactJSON(loggedArgs)).
					Msg("tool_dispatch")
				result, err := dispatcher.Dispatch(ctx, tc.Name, tc.Args)
				toolCallCount++
				if err != nil {
					result = (&ToolError{Tool: tc.Name, Err: err}).Error()
				}
				toolMsg := Message{Role: "tool", Content: result, ToolID: tc.ID}
				msgs = append(msgs, toolMsg)
				transcript = append(transcript, toolMsg)
			}
			state = stateAwaitingModel
		}
	}

	if state == stateExhausted {
		if loopCfg.EnableSummaryReasoning != nil && *loopCfg.EnableSummaryReasoning {
			summary, err := f.summarize(ctx, transcript, cfg)
			if err != nil {
				return ToolCallResult{}, err
			}
			return ToolCallResult{Text: summary, ToolCallCount: toolCallCount}, nil
		}
		if loopCfg.ReturnPartialOnMaxDepth {
			// The last transcript entry is usually a tool result; the
			// partial answer is the model's own latest turn.
			for i := len(transcript) - 1; i >= 0; i-- {
				if transcript[i].Role == "assistant" {
					return ToolCallResult{Text: transcript[i].Content, ToolCallCount: toolCallCount}, nil
				}
			}
		}
		return ToolCallResult{}, &MaxDepthExceeded{Iterations: loopCfg.MaxIterations}
	}
	return ToolCallResult{}, errors.New("llm: unreachable loop exit")
}

func (f *Facade) summarize(ctx context.Context, transcript []Message, cfg ModelConfig) (string, error) {
	var sb strings.Builder
	for _, m := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	sys := "Summarize the following reasoning transcript into a single final answer."
	return f.Complete(ctx, "compression", sys, sb.String(), cfg)
}

// Extract performs schema-constrained extraction into a value of the shape
// described by schema, unmarshalled into out.
func (f *Facade) Extract(ctx context.Context, category, sys, user string, schema map[string]any, out any, cfg ModelConfig) error {
	msgs := []Message{{Role: "system", Content: sys}, {Role: "user", Content: user}}
	prompt := sys + "\x00" + user

	var cached json.RawMessage
	if f.cache.Get(category, prompt, cfg.Primary, cfg.Temperature, &cached) {
		return json.Unmarshal(cached, out)
	}

	resp, model, err := f.extractWithFallback(ctx, msgs, schema, out, cfg)
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(out)
	usage := usageOrEstimate(resp, prompt)
	f.cache.Set(category, prompt, model, cfg.Temperature, raw, &cache.TokenUsage{
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
	})
	return nil
}

// extractWithFallback attempts extraction against the primary model, with
// the schema-validation multi-strategy parse fallback, retried per
// f.retry; on unretryable failure or retry exhaustion it tries once more
// against cfg.Fallback, unless Fallback == "" or equals Primary (repeating
// an identical call buys nothing).
func (f *Facade) extractWithFallback(ctx context.Context, msgs []Message, schema map[string]any, out any, cfg ModelConfig) (Response, string, error) {
	resp, err := f.extractOnce(ctx, msgs, schema, out, cfg.Primary, cfg.Temperature)
	if err == nil {
		return resp, cfg.Primary, nil
	}

	if cfg.Fallback == "" || cfg.Fallback == cfg.Primary {
		return Response{}, "", err
	}

	resp, fbErr := f.extractOnce(ctx, msgs, schema, out, cfg.Fallback, cfg.Temperature)
	if fbErr != nil {
		return Response{}, "", fbErr
	}
	return resp, cfg.Fallback, nil
}

func (f *Facade) extractOnce(ctx context.Context, msgs []Message, schema map[string]any, out any, model string, temperature float64) (Response, error) {
	resp, err := withRetry(ctx, f.retry, func(ctx context.Context) (Response, error) {
		return f.transport.Chat(ctx, msgs, nil, schema, model)
	})
	if err != nil {
		return Response{}, err
	}

	if f.transport.NativeSchema() {
		if err := json.Unmarshal([]byte(resp.Text), out); err != nil {
			return Response{}, &ExtractionInvalid{Model: model, Err: err}
		}
		return resp, nil
	}

	if err := parseJSONValue(resp.Text, schema, out); err != nil {
		// One clarifying retry carrying the validation error.
		clarify := append(append([]Message{}, msgs...), Message{
			Role:    "user",
			Content: fmt.Sprintf("Your previous response did not satisfy the required schema (%v). Reply with ONLY the corrected JSON value.", err),
		})
		resp2, err2 := withRetry(ctx, f.retry, func(ctx context.Context) (Response, error) {
			return f.transport.Chat(ctx, clarify, nil, schema, model)
		})
		if err2 != nil {
			return Response{}, err2
		}
		if err := parseJSONValue(resp2.Text, schema, out); err != nil {
			return Response{}, &ExtractionInvalid{Model: model, Err: err}
		}
		return resp2, nil
	}
	return resp, nil
}

func (f *Facade) dispatchOnce(ctx context.Context, msgs []Message, tools []ToolSchema, schema map[string]any, cfg ModelConfig) (Response, error) {
	resp, _, err := f.dispatchWithFallbackResp(ctx, msgs, tools, schema, cfg)
	return resp, err
}

func (f *Facade) dispatchWithFallbackResp(ctx context.Context, msgs []Message, tools []ToolSchema, schema map[string]any, cfg ModelConfig) (Response, string, error) {
	ctx, span := observability.StartSpan(ctx, "llm.chat", attribute.String("model", cfg.Primary))
	defer span.End()

	resp, err := withRetry(ctx, f.retry, func(ctx context.Context) (Response, error) {
		return f.transport.Chat(ctx, msgs, tools, schema, cfg.Primary)
	})
	if err == nil {
		f.recordTokens(ctx, cfg.Primary, resp.Usage)
		return resp, cfg.Primary, nil
	}

	var permanent *ProviderPermanent
	isPermanent := errors.As(err, &permanent)
	if !isPermanent {
		var transient *ProviderTransient
		if !errors.As(err, &transient) {
			return Response{}, "", err
		}
	}

	if cfg.Fallback == "" || cfg.Fallback == cfg.Primary {
		return Response{}, "", err
	}

	resp, fbErr := withRetry(ctx, f.retry, func(ctx context.Context) (Response, error) {
		return f.transport.Chat(ctx, msgs, tools, schema, cfg.Fallback)
	})
	if fbErr != nil {
		return Response{}, "", fbErr
	}
	f.recordTokens(ctx, cfg.Fallback, resp.Usage)
	return resp, cfg.Fallback, nil
}

func (f *Facade) recordTokens(ctx context.Context, model string, usage TokenUsage) {
	if f.tokenCounter == nil {
		return
	}
	f.tokenCounter.Add(ctx, int64(usage.InputTokens+usage.OutputTokens),
		metric.WithAttributes(attribute.String("model", model)))
}
