package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"archdoc/internal/compose"
)

func TestFileWriterWritesSectionsAndSummary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	w := NewFileWriter(dir)

	tree := compose.DocTree{
		"overview":         "# Overview\n",
		"key_modules/store": "# Store\n",
	}
	summary := SummaryReport{StageTimings: map[string]StageTiming{"preprocess": {Stage: "preprocess", DurationMS: 12}}}

	if err := w.Write(context.Background(), tree, summary); err != nil {
		t.Fatalf("Write: %v", err)
	}

	overview, err := os.ReadFile(filepath.Join(dir, "overview.md"))
	if err != nil || string(overview) != "# Overview\n" {
		t.Errorf("overview.md = %q, err=%v", overview, err)
	}

	store, err := os.ReadFile(filepath.Join(dir, "key_modules", "store.md"))
	if err != nil || string(store) != "# Store\n" {
		t.Errorf("key_modules/store.md = %q, err=%v", store, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		t.Fatalf("summary.json: %v", err)
	}
	var decoded SummaryReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal summary.json: %v", err)
	}
	if decoded.StageTimings["preprocess"].DurationMS != 12 {
		t.Errorf("decoded timing = %+v, want DurationMS=12", decoded.StageTimings["preprocess"])
	}
}
