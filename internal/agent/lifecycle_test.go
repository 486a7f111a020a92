package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"archdoc/internal/cache"
	"archdoc/internal/config"
	"archdoc/internal/knowledge"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/util"
)

// fakeTransport is a scripted llm.Transport for lifecycle tests: it always
// returns fixedText, or — when a schema is supplied and native is true — a
// JSON-encoded fixedValue.
type fakeTransport struct {
	native     bool
	fixedText  string
	fixedValue any
	calls      int
}

func (f *fakeTransport) NativeSchema() bool { return f.native }

func (f *fakeTransport) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, schema map[string]any, _ string) (llm.Response, error) {
	f.calls++
	if schema != nil && f.native {
		data, _ := json.Marshal(f.fixedValue)
		return llm.Response{Text: string(data)}, nil
	}
	return llm.Response{Text: f.fixedText}, nil
}

// missCache is a minimal llm.ResponseCache that never hits, so tests always
// exercise the real dispatch path.
type missCache struct{}

func (missCache) Get(category, prompt, model string, temperature float64, out any) bool { return false }
func (missCache) Set(category, prompt, model string, temperature float64, value any, usage *cache.TokenUsage) {
}

type fakeKnowledge struct {
	chunks map[string][]knowledge.Chunk
	synced time.Time
}

func (f fakeKnowledge) LoadFor(category, targetAgent string) ([]knowledge.Chunk, error) {
	return f.chunks[category], nil
}

func (f fakeKnowledge) LastSynced() time.Time { return f.synced }

func newTestRunner(t *testing.T, transport llm.Transport) (*Runner, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	facade := llm.New(transport, missCache{}, llm.DefaultRetryConfig(), nil)
	return &Runner{
		Memory:       mem,
		Facade:       facade,
		Compression:  config.CompressionConfig{ThresholdTokens: 64_000, HardCeilingTokens: 150_000},
		Localization: "en",
	}, mem
}

func TestRunPlainStoresResult(t *testing.T) {
	transport := &fakeTransport{fixedText: "hello world"}
	runner, mem := newTestRunner(t, transport)

	spec := Spec{
		Name:           "greeter",
		CallMode:       CallPlain,
		OutputScope:    memory.Research,
		OutputScopeKey: "greeter",
		PromptTemplate: PromptTemplate{System: "you are a greeter", Opening: "say hello", Closing: "be brief"},
		Model:          llm.ModelConfig{Primary: "test-model"},
	}
	result, err := runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "hello world" {
		t.Errorf("result = %v, want %q", result, "hello world")
	}
	var stored string
	found, _ := mem.Get(memory.Research, "greeter", &stored)
	if !found || stored != "hello world" {
		t.Errorf("stored = %q, found=%v", stored, found)
	}
}

func TestRunMissingRequiredDependencyFails(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeTransport{fixedText: "x"})
	spec := Spec{
		Name:     "needs-input",
		CallMode: CallPlain,
		Inputs:   []Dependency{MemoryEntry(memory.Preprocess, "missing_key", "Missing", true, FormatPlainText)},
		Model:    llm.ModelConfig{Primary: "test-model"},
	}
	_, err := runner.Run(context.Background(), spec)
	if err == nil {
		t.Fatal("expected DependencyMissing error")
	}
	var depErr *DependencyMissing
	if !errors.As(err, &depErr) {
		t.Errorf("err = %v, want *DependencyMissing", err)
	}
}

func TestRunMissingOptionalDependencyRendersEmpty(t *testing.T) {
	transport := &fakeTransport{fixedText: "ok"}
	runner, _ := newTestRunner(t, transport)
	spec := Spec{
		Name:     "optional-input",
		CallMode: CallPlain,
		Inputs:   []Dependency{MemoryEntry(memory.Preprocess, "missing_key", "Missing", false, FormatPlainText)},
		PromptTemplate: PromptTemplate{
			Opening: "context: {{.Missing}}",
		},
		OutputScope:    memory.Documentation,
		OutputScopeKey: "optional-input",
		Model:          llm.ModelConfig{Primary: "test-model"},
	}
	if _, err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunExtractDecodesSchemaResult(t *testing.T) {
	type report struct {
		Summary string `json:"summary"`
	}
	transport := &fakeTransport{native: true, fixedValue: report{Summary: "it works"}}
	runner, mem := newTestRunner(t, transport)

	spec := Spec{
		Name:           "extractor",
		CallMode:       CallExtract,
		OutputScope:    memory.Research,
		OutputScopeKey: "extractor",
		Extract: ExtractConfig{
			Schema: map[string]any{"type": "object"},
			New:    func() any { return &report{} },
		},
		Model: llm.ModelConfig{Primary: "test-model"},
	}
	result, err := runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r, ok := result.(*report)
	if !ok || r.Summary != "it works" {
		t.Errorf("result = %#v", result)
	}

	var stored report
	found, _ := mem.Get(memory.Research, "extractor", &stored)
	if !found || stored.Summary != "it works" {
		t.Errorf("stored = %#v found=%v", stored, found)
	}
}

func TestRunKnowledgeCategoryDependencyJoinsChunks(t *testing.T) {
	transport := &fakeTransport{fixedText: "ok"}
	runner, _ := newTestRunner(t, transport)
	synced := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	runner.Knowledge = fakeKnowledge{
		chunks: map[string][]knowledge.Chunk{
			"docs": {
				{Path: "a.md", Index: 0, Text: "hello"},
				{Path: "a.md", Index: 1, Text: "again"},
				{Path: "b.md", Index: 0, Text: "other"},
			},
		},
		synced: synced,
	}
	spec := Spec{
		Name:           "with-knowledge",
		CallMode:       CallPlain,
		Inputs:         []Dependency{KnowledgeCategory("docs", "Docs")},
		OutputScope:    memory.Documentation,
		OutputScopeKey: "with-knowledge",
		Model:          llm.ModelConfig{Primary: "test-model"},
	}
	if _, err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rendered := formatKnowledge("docs", synced, runner.Knowledge.(fakeKnowledge).chunks["docs"])
	if !strings.Contains(rendered, "Knowledge: docs (last synced 2026-07-01T12:00:00Z, 2 documents)") {
		t.Errorf("missing or wrong knowledge header:\n%s", rendered)
	}
	if got := strings.Count(rendered, knowledgeDelimiter); got != 3 {
		t.Errorf("expected one delimiter per chunk (3), got %d", got)
	}
}

func TestRunPostProcessFailureIsFatal(t *testing.T) {
	transport := &fakeTransport{fixedText: "ok"}
	runner, _ := newTestRunner(t, transport)
	spec := Spec{
		Name:           "post-process-fails",
		CallMode:       CallPlain,
		OutputScope:    memory.Documentation,
		OutputScopeKey: "post-process-fails",
		Model:          llm.ModelConfig{Primary: "test-model"},
		PostProcess: func(result any) error {
			return errors.New("boom")
		},
	}
	_, err := runner.Run(context.Background(), spec)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected post-process error, got %v", err)
	}
}

// categoryCache never hits but records the categories consulted, so tests
// can observe which cache categories (e.g. "compression") a run touched.
type categoryCache struct {
	categories []string
}

func (c *categoryCache) Get(category, prompt, model string, temperature float64, out any) bool {
	c.categories = append(c.categories, category)
	return false
}

func (c *categoryCache) Set(category, prompt, model string, temperature float64, value any, usage *cache.TokenUsage) {
}

func (c *categoryCache) count(category string) int {
	n := 0
	for _, got := range c.categories {
		if got == category {
			n++
		}
	}
	return n
}

func TestRunOversizedContextInvokesCompressorOnce(t *testing.T) {
	transport := &fakeTransport{fixedText: "compressed or plain output"}
	respCache := &categoryCache{}
	mem := memory.New()
	runner := &Runner{
		Memory:      mem,
		Facade:      llm.New(transport, respCache, llm.DefaultRetryConfig(), nil),
		Compression: config.CompressionConfig{ThresholdTokens: 100, HardCeilingTokens: 150_000},
	}
	if err := mem.Store(memory.Preprocess, "big", strings.Repeat("word ", 2000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	spec := Spec{
		Name:           "over-threshold",
		CallMode:       CallPlain,
		Inputs:         []Dependency{MemoryEntry(memory.Preprocess, "big", "Big", true, FormatPlainText)},
		OutputScope:    memory.Documentation,
		OutputScopeKey: "over-threshold",
		Model:          llm.ModelConfig{Primary: "test-model"},
	}
	if _, err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := respCache.count("compression"); got != 1 {
		t.Errorf("compression category consulted %d times, want exactly 1", got)
	}
	// One compressor call plus the agent's own completion.
	if transport.calls != 2 {
		t.Errorf("transport called %d times, want 2", transport.calls)
	}
}

func TestRunContextStillTooLargeAfterCompressionFails(t *testing.T) {
	// The "compressed" result estimates at well over the hard ceiling of 60.
	transport := &fakeTransport{fixedText: strings.Repeat("still far too large ", 50)}
	mem := memory.New()
	runner := &Runner{
		Memory:      mem,
		Facade:      llm.New(transport, missCache{}, llm.DefaultRetryConfig(), nil),
		Compression: config.CompressionConfig{ThresholdTokens: 100, HardCeilingTokens: 60},
	}
	if err := mem.Store(memory.Preprocess, "big", strings.Repeat("word ", 2000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	spec := Spec{
		Name:           "over-ceiling",
		CallMode:       CallPlain,
		Inputs:         []Dependency{MemoryEntry(memory.Preprocess, "big", "Big", true, FormatPlainText)},
		OutputScope:    memory.Documentation,
		OutputScopeKey: "over-ceiling",
		Model:          llm.ModelConfig{Primary: "test-model"},
	}
	_, err := runner.Run(context.Background(), spec)
	var tooLarge *ContextTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want *ContextTooLarge", err)
	}
}

func TestEstimateTokensWeightsCJKHigherPerRune(t *testing.T) {
	latin := strings.Repeat("a", 400)
	cjk := strings.Repeat("中", 400)
	if util.EstimateTokens(cjk) <= util.EstimateTokens(latin) {
		t.Errorf("expected CJK text (1.5 chars/token) to estimate higher than Latin text (4.0 chars/token) for equal rune counts")
	}
}
