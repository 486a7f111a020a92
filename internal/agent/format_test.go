package agent

import (
	"strings"
	"testing"
)

func insight(path, purpose, summary string) any {
	return map[string]any{"path": path, "purpose": purpose, "summary": summary}
}

func TestRenderCodeInsightsGroupsByPurpose(t *testing.T) {
	out := renderValue(FormatCodeInsights, []any{
		insight("cmd/main.go", "Entry", "starts the service"),
		insight("internal/db/store.go", "Database", "wraps the store"),
		insight("cmd/cli.go", "Entry", "argument handling"),
	})
	entryIdx := strings.Index(out, "- Entry")
	dbIdx := strings.Index(out, "- Database")
	if entryIdx < 0 || dbIdx < 0 {
		t.Fatalf("expected purpose group headers, got:\n%s", out)
	}
	if !strings.Contains(out, "cmd/main.go — starts the service") {
		t.Errorf("expected path+summary lines, got:\n%s", out)
	}
}

func TestRenderBoundaryInsightsFiltersToExternalFacingPurposes(t *testing.T) {
	out := renderValue(FormatBoundaryInsights, []any{
		insight("cmd/main.go", "Entry", "entrypoint"),
		insight("internal/api/routes.go", "Router", "http routes"),
		insight("internal/db/store.go", "Database", "persistence"),
		insight("internal/util/strings.go", "Util", "helpers"),
	})
	for _, want := range []string{"cmd/main.go", "internal/api/routes.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected boundary rendering to include %s, got:\n%s", want, out)
		}
	}
	for _, reject := range []string{"internal/db/store.go", "internal/util/strings.go"} {
		if strings.Contains(out, reject) {
			t.Errorf("expected boundary rendering to exclude %s, got:\n%s", reject, out)
		}
	}
}

func TestRenderDependencyGraphEdgeList(t *testing.T) {
	out := renderValue(FormatDependencyGraph, []any{
		map[string]any{"from": "pipeline", "to": "research"},
		map[string]any{"from": "research", "to": "agent"},
	})
	if !strings.Contains(out, "pipeline -> research") || !strings.Contains(out, "research -> agent") {
		t.Errorf("unexpected rendering:\n%s", out)
	}
}

func TestRenderPlainTextPassesStringsThrough(t *testing.T) {
	if got := renderValue(FormatPlainText, "verbatim"); got != "verbatim" {
		t.Errorf("got %q", got)
	}
	got := renderValue(FormatPlainText, map[string]any{"a": 1})
	if !strings.Contains(got, `"a"`) {
		t.Errorf("expected JSON rendering for non-strings, got %q", got)
	}
}
