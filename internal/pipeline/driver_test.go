package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"archdoc/internal/agent"
	"archdoc/internal/cache"
	"archdoc/internal/compose"
	"archdoc/internal/config"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/preprocess"
	"archdoc/internal/research"
)

// stubAnalyzer bypasses any real filesystem walk, returning a fixed
// AnalyzerResult for a tiny two-file project.
type stubAnalyzer struct{ result preprocess.AnalyzerResult }

func (s stubAnalyzer) Analyze(_ context.Context, _ string, _ preprocess.StageConfig) (preprocess.AnalyzerResult, error) {
	return s.result, nil
}

func hasProp(schema map[string]any, name string) bool {
	props, _ := schema["properties"].(map[string]any)
	_, ok := props[name]
	return ok
}

// fullTransport answers every Chat call across all four stages by
// inspecting the requested schema's property set; schema == nil covers both
// compose's CallPlain editors and the architecture agent's CallWithTools
// finalization turn.
type fullTransport struct{}

func (fullTransport) NativeSchema() bool { return true }

func (fullTransport) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, schema map[string]any, _ string) (llm.Response, error) {
	if schema == nil {
		return llm.Response{Text: "## Section\n\nSome generated content.\n\n```mermaid\ngraph TD; A-->B;\n```\n"}, nil
	}
	switch {
	case hasProp(schema, "purpose") && !hasProp(schema, "tech_stack"):
		data, _ := json.Marshal(map[string]string{"purpose": string(preprocess.PurposeService)})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "module_graph"):
		data, _ := json.Marshal(map[string]any{"summary": "a small service", "module_graph": map[string][]string{"main": {"handler"}}})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "summary") && hasProp(schema, "dependencies") && !hasProp(schema, "tech_stack") && !hasProp(schema, "responsibilities"):
		data, _ := json.Marshal(map[string]any{"summary": "does something", "dependencies": []string{"fmt"}})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "tech_stack"):
		data, _ := json.Marshal(map[string]any{
			"summary": "a document generation service", "purpose": "generate docs",
			"tech_stack": []string{"Go"}, "entry_point": "cmd/archdoc/main.go",
		})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "modules"):
		data, _ := json.Marshal(map[string]any{
			"modules": []map[string]any{
				{"name": "pipeline", "description": "drives the stages", "core_files": []string{"internal/pipeline/driver.go"}},
			},
		})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "workflows"):
		data, _ := json.Marshal(map[string]any{
			"workflows": []map[string]any{{"name": "generate", "description": "end to end run", "steps": []string{"preprocess", "research", "compose"}}},
		})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "entry_points"):
		data, _ := json.Marshal(map[string]any{
			"entry_points": []map[string]any{{"path": "cmd/archdoc/main.go", "purpose": "Entry", "description": "CLI entrypoint"}},
		})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "tables"):
		data, _ := json.Marshal(map[string]any{"summary": "uses an embedded key-value store", "tables": []string{"cache_entries"}})
		return llm.Response{Text: string(data)}, nil
	case hasProp(schema, "responsibilities"):
		data, _ := json.Marshal(map[string]any{
			"module": "pipeline", "summary": "sequences stages", "responsibilities": []string{"drive stages"}, "dependencies": nil,
		})
		return llm.Response{Text: string(data)}, nil
	}
	return llm.Response{Text: "{}"}, nil
}

func newTestDriver(t *testing.T, root string) (*Driver, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	respCache := cache.New(cache.Config{Enabled: true, RootDir: t.TempDir()})
	facade := llm.New(fullTransport{}, respCache, llm.DefaultRetryConfig(), nil)

	analyzed := preprocess.AnalyzerResult{
		OriginalDocument: map[string]string{"README.md": "a tiny service"},
		ProjectStructure: []preprocess.FileMeta{
			{Path: "main.go", Size: 30, Importance: 0.9, Purpose: preprocess.PurposeEntry, Confidence: 0.95},
		},
	}
	writeProjectFile(t, root, "main.go", "package main\nfunc main() {}\n")

	stage := preprocess.New(stubAnalyzer{result: analyzed}, facade, mem,
		config.PreprocessConfig{ImportanceThreshold: 0.5, AIConfidenceThreshold: 0.7, MaxParallelFiles: 2, MaxFileReadSize: 1 << 16},
		llm.ModelConfig{Primary: "test-model"}, config.CompressionConfig{ThresholdTokens: 64_000, HardCeilingTokens: 150_000})

	runner := &agent.Runner{Memory: mem, Facade: facade, Compression: config.CompressionConfig{ThresholdTokens: 64_000, HardCeilingTokens: 150_000}}
	researchOrc := research.New(runner, mem, llm.ModelConfig{Primary: "test-model"}, agent.ToolsConfig{}, 4)
	composeOrc := compose.New(runner, mem, llm.ModelConfig{Primary: "test-model"}, 4)

	outDir := filepath.Join(root, "docs")
	driver := New(mem, respCache, stage, researchOrc, composeOrc, NewFileWriter(outDir))
	return driver, mem
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

func TestDriverRunProducesTreeSummaryAndPersistedFiles(t *testing.T) {
	root := t.TempDir()
	driver, mem := newTestDriver(t, root)

	tree, summary, err := driver.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, section := range []string{compose.SectionOverview, compose.SectionArchitecture, compose.SectionWorkflows, compose.SectionBoundaries} {
		if _, ok := tree[section]; !ok {
			t.Errorf("missing DocTree section %q", section)
		}
	}

	for _, stage := range []string{"preprocess", "research", "compose"} {
		timing, ok := summary.StageTimings[stage]
		if !ok {
			t.Errorf("missing stage timing for %q", stage)
			continue
		}
		if timing.DurationMS < 0 {
			t.Errorf("stage %q duration = %dms, want >= 0", stage, timing.DurationMS)
		}
	}

	if summary.EstimatedTokenTotal <= 0 {
		t.Error("expected a positive estimated token total given non-empty blackboard content")
	}
	if len(summary.ContentVolumeByScope) == 0 {
		t.Error("expected non-empty content volume by scope")
	}
	if summary.FatalStage != "" || summary.FatalError != "" {
		t.Errorf("expected no fatal stage on a successful run, got stage=%q err=%q", summary.FatalStage, summary.FatalError)
	}

	var timingRecord preprocess.TimingRecord
	if found, _ := mem.Get(memory.Timing, preprocess.TimingKey, &timingRecord); !found {
		t.Error("expected preprocess to have flushed its own timing record")
	}

	// The FileWriter persister should have written one .md per section plus
	// summary.json, under root/docs.
	outDir := filepath.Join(root, "docs")
	for section := range tree {
		path := filepath.Join(outDir, section+".md")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected persisted file %s: %v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "summary.json")); err != nil {
		t.Errorf("expected persisted summary.json: %v", err)
	}
}

func TestDriverRunStillReturnsPartialSummaryOnResearchFailure(t *testing.T) {
	root := t.TempDir()
	driver, _ := newTestDriver(t, root)
	// Force every schema-bearing call to fail so system_context (stage-fatal
	// in Research) errors out.
	mem := memory.New()
	respCache := cache.New(cache.Config{Enabled: true, RootDir: t.TempDir()})
	facade := llm.New(failingTransport{}, respCache, llm.DefaultRetryConfig(), nil)

	analyzed := preprocess.AnalyzerResult{
		ProjectStructure: []preprocess.FileMeta{{Path: "main.go", Importance: 0.9, Purpose: preprocess.PurposeEntry, Confidence: 0.95}},
	}
	writeProjectFile(t, root, "main.go", "package main\nfunc main() {}\n")
	stage := preprocess.New(stubAnalyzer{result: analyzed}, facade, mem,
		config.PreprocessConfig{ImportanceThreshold: 0.5, AIConfidenceThreshold: 0.9, MaxParallelFiles: 2, MaxFileReadSize: 1 << 16},
		llm.ModelConfig{Primary: "test-model"}, config.CompressionConfig{ThresholdTokens: 64_000, HardCeilingTokens: 150_000})
	runner := &agent.Runner{Memory: mem, Facade: facade}
	researchOrc := research.New(runner, mem, llm.ModelConfig{Primary: "test-model"}, agent.ToolsConfig{}, 4)
	composeOrc := compose.New(runner, mem, llm.ModelConfig{Primary: "test-model"}, 4)
	driver = New(mem, respCache, stage, researchOrc, composeOrc, nil)

	tree, summary, err := driver.Run(context.Background(), root)
	if err == nil {
		t.Fatal("expected an error from a stage-fatal research failure")
	}
	if tree != nil {
		t.Errorf("expected a nil DocTree on research failure, got %v", tree)
	}
	if summary.FatalStage != "research" {
		t.Errorf("FatalStage = %q, want research", summary.FatalStage)
	}
	if summary.FatalError == "" {
		t.Error("expected a non-empty FatalError")
	}
	if _, ok := summary.StageTimings["preprocess"]; !ok {
		t.Error("expected the preprocess timing to still be present in a partial summary")
	}
}

// failingTransport fails every schema-bearing extraction, used to exercise
// system_context's stage-fatal path without tripping preprocess (whose
// reclassification call is skipped here by a high confidence floor).
type failingTransport struct{}

func (failingTransport) NativeSchema() bool { return true }
func (failingTransport) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, schema map[string]any, _ string) (llm.Response, error) {
	if schema == nil {
		return llm.Response{Text: "ok"}, nil
	}
	if hasProp(schema, "summary") && hasProp(schema, "dependencies") && !hasProp(schema, "tech_stack") {
		data, _ := json.Marshal(map[string]any{"summary": "does something", "dependencies": []string{"fmt"}})
		return llm.Response{Text: string(data)}, nil
	}
	if hasProp(schema, "module_graph") {
		data, _ := json.Marshal(map[string]any{"summary": "ok", "module_graph": map[string][]string{}})
		return llm.Response{Text: string(data)}, nil
	}
	return llm.Response{}, &llm.ProviderPermanent{Err: errBoom}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
