package compose

import (
	"context"
	"strings"
	"testing"

	"archdoc/internal/agent"
	"archdoc/internal/cache"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/research"
)

// scriptedTransport answers every Complete call (compose only ever uses
// CallPlain) with a fixed markdown-ish body, failing any call whose prompt
// contains failContains.
type scriptedTransport struct {
	failContains string
}

func (t *scriptedTransport) NativeSchema() bool { return true }

func (t *scriptedTransport) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolSchema, _ map[string]any, _ string) (llm.Response, error) {
	user := ""
	for _, m := range msgs {
		if m.Role == "user" {
			user = m.Content
		}
	}
	if t.failContains != "" && strings.Contains(user, t.failContains) {
		return llm.Response{}, &llm.ProviderPermanent{Err: errBoom}
	}
	return llm.Response{Text: "## Section\n\nSome generated content.\n\n```mermaid\ngraph TD; A-->B;\n```\n"}, nil
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

type missCache struct{}

func (missCache) Get(category, prompt, model string, temperature float64, out any) bool { return false }
func (missCache) Set(category, prompt, model string, temperature float64, value any, usage *cache.TokenUsage) {
}

func newTestOrchestrator(t *testing.T, transport llm.Transport, mem *memory.Memory) *Orchestrator {
	t.Helper()
	facade := llm.New(transport, missCache{}, llm.DefaultRetryConfig(), nil)
	runner := &agent.Runner{Memory: mem, Facade: facade}
	return New(runner, mem, llm.ModelConfig{Primary: "test-model"}, 4)
}

func seedResearch(t *testing.T, mem *memory.Memory, withDatabase bool) {
	t.Helper()
	mustStore := func(key string, v any) {
		if err := mem.Store(memory.Research, key, v); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	mustStore(research.KeySystemContext, agent.SystemContextReport{Summary: "a doc generator", Purpose: "generate docs", TechStack: []string{"Go"}})
	mustStore(research.KeyDomainModules, agent.DomainModulesReport{Modules: []agent.ModuleRef{
		{Name: "pipeline", Description: "drives the stages"},
		{Name: "storage", Description: "persists output"},
	}})
	mustStore(research.KeyArchitecture, "the system is organized around a handful of clear modules")
	mustStore(research.KeyWorkflows, agent.WorkflowsReport{Workflows: []agent.Workflow{{Name: "generate", Description: "end to end run"}}})
	mustStore(research.KeyBoundaries, agent.BoundariesReport{EntryPoints: []agent.BoundaryEntry{{Path: "cmd/archdoc/main.go", Purpose: "Entry", Description: "CLI entrypoint"}}})
	mustStore(research.KeyModuleIndex, []string{"pipeline", "storage"})
	mustStore(research.ModuleKey("pipeline"), agent.KeyModuleReport{Module: "pipeline", Summary: "sequences the stages"})
	mustStore(research.ModuleKey("storage"), agent.KeyModuleReport{Module: "storage", Summary: "persists output"})
	if withDatabase {
		mustStore(research.KeyDatabase, agent.DatabaseReport{Summary: "uses an embedded store", Tables: []string{"cache_entries"}})
	}
}

func TestOrchestratorRunProducesFullDocTree(t *testing.T) {
	mem := memory.New()
	seedResearch(t, mem, true)
	orc := newTestOrchestrator(t, &scriptedTransport{}, mem)

	tree, report, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSections := []string{SectionOverview, SectionArchitecture, SectionWorkflows, SectionBoundaries, SectionDatabase, ModuleSection("pipeline"), ModuleSection("storage")}
	for _, section := range wantSections {
		if _, ok := tree[section]; !ok {
			t.Errorf("missing DocTree section %q", section)
		}
		if outcome, ok := report.Sections[section]; !ok || outcome.Status != StatusSucceeded {
			t.Errorf("section %q outcome = %+v, want success", section, report.Sections[section])
		}
	}
}

func TestOrchestratorSkipsDatabaseWhenNotTriggered(t *testing.T) {
	mem := memory.New()
	seedResearch(t, mem, false)
	orc := newTestOrchestrator(t, &scriptedTransport{}, mem)

	tree, report, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := tree[SectionDatabase]; ok {
		t.Error("database section should be absent when research never ran the database agent")
	}
	if _, ok := report.Sections[SectionDatabase]; ok {
		t.Error("database outcome should be absent when research never ran the database agent")
	}
}

func TestOrchestratorRendersPlaceholderOnEditorFailure(t *testing.T) {
	mem := memory.New()
	seedResearch(t, mem, true)
	orc := newTestOrchestrator(t, &scriptedTransport{failContains: "workflow analysis"}, mem)

	tree, report, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(tree[SectionWorkflows], "could not be generated") {
		t.Errorf("expected placeholder markdown for workflows, got %q", tree[SectionWorkflows])
	}
	if report.Sections[SectionWorkflows].Status != StatusFailed {
		t.Errorf("workflows outcome = %+v, want failed", report.Sections[SectionWorkflows])
	}
	// Sibling sections still succeed.
	if report.Sections[SectionOverview].Status != StatusSucceeded {
		t.Errorf("overview outcome = %+v, want success despite workflows failing", report.Sections[SectionOverview])
	}
}

func TestOrchestratorKeyModulePartialFailureRendersPlaceholderForThatModuleOnly(t *testing.T) {
	mem := memory.New()
	seedResearch(t, mem, false)
	orc := newTestOrchestrator(t, &scriptedTransport{failContains: "Module: storage"}, mem)

	tree, report, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(tree[ModuleSection("storage")], "could not be generated") {
		t.Errorf("expected placeholder for storage module, got %q", tree[ModuleSection("storage")])
	}
	if report.Sections[ModuleSection("storage")].Status != StatusFailed {
		t.Errorf("storage module outcome = %+v, want failed", report.Sections[ModuleSection("storage")])
	}
	if report.Sections[ModuleSection("pipeline")].Status != StatusSucceeded {
		t.Errorf("pipeline module outcome = %+v, want success", report.Sections[ModuleSection("pipeline")])
	}
}
