package preprocess

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"archdoc/internal/cache"
	"archdoc/internal/config"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
)

// stubAnalyzer returns a fixed AnalyzerResult, bypassing any real filesystem
// walk so stage tests only exercise the driver's own six steps.
type stubAnalyzer struct {
	result AnalyzerResult
}

func (s stubAnalyzer) Analyze(ctx context.Context, projectPath string, cfg StageConfig) (AnalyzerResult, error) {
	return s.result, nil
}

// scriptedTransport answers Chat calls by inspecting the requested schema's
// property set, so one fake can stand in for all three extraction shapes the
// stage calls (purpose reclassification, code insight, relationships).
type scriptedTransport struct {
	failPaths map[string]bool
}

func hasProp(schema map[string]any, name string) bool {
	props, _ := schema["properties"].(map[string]any)
	_, ok := props[name]
	return ok
}

func (t *scriptedTransport) NativeSchema() bool { return true }

func (t *scriptedTransport) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolSchema, schema map[string]any, _ string) (llm.Response, error) {
	if schema == nil {
		return llm.Response{Text: "ok"}, nil
	}
	user := ""
	for _, m := range msgs {
		if m.Role == "user" {
			user = m.Content
		}
	}

	switch {
	case hasProp(schema, "purpose"):
		data, _ := json.Marshal(map[string]string{"purpose": string(PurposeService)})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "module_graph"):
		data, _ := json.Marshal(map[string]any{
			"summary":      "a small service",
			"module_graph": map[string][]string{"main": {"handler"}},
		})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "summary") && hasProp(schema, "dependencies"):
		for path, fail := range t.failPaths {
			if fail && strings.Contains(user, path) {
				return llm.Response{}, &llm.ProviderPermanent{Err: errBoom}
			}
		}
		data, _ := json.Marshal(map[string]any{
			"summary":      "does something",
			"dependencies": []string{"fmt"},
		})
		return llm.Response{Text: string(data)}, nil
	}
	return llm.Response{Text: "{}"}, nil
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

type missCache struct{}

func (missCache) Get(category, prompt, model string, temperature float64, out any) bool { return false }
func (missCache) Set(category, prompt, model string, temperature float64, value any, usage *cache.TokenUsage) {
}

func newTestStage(t *testing.T, transport llm.Transport, result AnalyzerResult) (*Stage, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	facade := llm.New(transport, missCache{}, llm.DefaultRetryConfig(), nil)
	stage := &Stage{
		Analyzer: stubAnalyzer{result: result},
		Facade:   facade,
		Memory:   mem,
		Config: StageConfig{
			ImportanceThreshold:   0.5,
			AIConfidenceThreshold: 0.7,
			MaxParallelFiles:      2,
			MaxFileReadSize:       1 << 16,
		},
		Model:       llm.ModelConfig{Primary: "test-model"},
		Compression: config.CompressionConfig{ThresholdTokens: 64_000, HardCeilingTokens: 150_000},
	}
	return stage, mem
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestStageRunProducesInsightsAndRelationships(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "main.go", "package main\nfunc main() {}\n")
	writeProjectFile(t, root, "util/helper.go", "package util\nfunc Helper() {}\n")

	result := AnalyzerResult{
		OriginalDocument: map[string]string{"README.md": "hello"},
		ProjectStructure: []FileMeta{
			{Path: "main.go", Size: 30, Depth: 0, Importance: 0.9, Purpose: PurposeEntry, Confidence: 0.95},
			{Path: "util/helper.go", Size: 10, Depth: 1, Importance: 0.1, Purpose: PurposeUtil, Confidence: 0.9},
		},
	}
	stage, mem := newTestStage(t, &scriptedTransport{}, result)

	out, err := stage.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.CodeInsights) != 1 {
		t.Fatalf("expected exactly one core-file insight (importance >= threshold), got %d", len(out.CodeInsights))
	}
	if out.CodeInsights[0].Path != "main.go" {
		t.Errorf("insight path = %q, want main.go", out.CodeInsights[0].Path)
	}
	if out.Relationships.Summary == "" {
		t.Error("expected non-empty relationship summary")
	}

	var storedStructure []FileMeta
	found, _ := mem.Get(memory.Preprocess, KeyProjectStructure, &storedStructure)
	if !found || len(storedStructure) != 2 {
		t.Errorf("project_structure not stored correctly: found=%v len=%d", found, len(storedStructure))
	}

	var timing TimingRecord
	found, _ = mem.Get(memory.Timing, TimingKey, &timing)
	if !found || timing.DurationMS < 0 {
		t.Errorf("timing record not stored: found=%v", found)
	}
}

func TestStageRunSkipsFailedInsightButContinues(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "a.go", "package a\n")
	writeProjectFile(t, root, "b.go", "package b\n")

	result := AnalyzerResult{
		ProjectStructure: []FileMeta{
			{Path: "a.go", Importance: 0.9, Purpose: PurposeEntry, Confidence: 0.9},
			{Path: "b.go", Importance: 0.8, Purpose: PurposeEntry, Confidence: 0.9},
		},
	}
	transport := &scriptedTransport{failPaths: map[string]bool{"b.go": true}}
	stage, _ := newTestStage(t, transport, result)

	out, err := stage.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.CodeInsights) != 1 || out.CodeInsights[0].Path != "a.go" {
		t.Errorf("expected only a.go to survive the failed b.go extraction, got %#v", out.CodeInsights)
	}
}

func TestStageRunReclassifiesLowConfidencePurpose(t *testing.T) {
	root := t.TempDir()
	writeProjectFile(t, root, "mystery.go", "package mystery\n")

	result := AnalyzerResult{
		ProjectStructure: []FileMeta{
			{Path: "mystery.go", Importance: 0.9, Purpose: PurposeUnknown, Confidence: 0.2},
		},
	}
	stage, _ := newTestStage(t, &scriptedTransport{}, result)

	out, err := stage.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.CodeInsights) != 1 {
		t.Fatalf("expected one insight, got %d", len(out.CodeInsights))
	}
	if out.CodeInsights[0].Purpose != PurposeService {
		t.Errorf("expected LLM reclassification to win, got purpose=%s", out.CodeInsights[0].Purpose)
	}
}
