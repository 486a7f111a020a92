package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"archdoc/internal/preprocess"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAnalyzeExtractsTopLevelDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hello project")
	writeFile(t, root, "main.go", "package main\nfunc main(){}\n")

	result, err := New().Analyze(context.Background(), root, preprocess.StageConfig{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.OriginalDocument["README.md"] != "# hello project" {
		t.Errorf("README.md not extracted: %#v", result.OriginalDocument)
	}
}

func TestAnalyzeSkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "vendor/lib/thing.go", "package lib\n")
	writeFile(t, root, "main.go", "package main\n")

	cfg := preprocess.StageConfig{ExcludedDirs: []string{"vendor"}}
	result, err := New().Analyze(context.Background(), root, cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for _, fm := range result.ProjectStructure {
		if filepath.Dir(fm.Path) == "vendor" || filepath.Base(filepath.Dir(fm.Path)) == "lib" {
			t.Errorf("expected vendor/ to be excluded, found %s", fm.Path)
		}
	}
}

func TestAnalyzeClassifiesEntryAndTestPurpose(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "thing_test.go", "package main\n")
	writeFile(t, root, "schema.sql", "CREATE TABLE t (id INT);\n")

	result, err := New().Analyze(context.Background(), root, preprocess.StageConfig{
		DatabaseFileExtensions: []string{".sql"},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	byPath := map[string]preprocess.FileMeta{}
	for _, fm := range result.ProjectStructure {
		byPath[fm.Path] = fm
	}
	if byPath["main.go"].Purpose != preprocess.PurposeEntry {
		t.Errorf("main.go purpose = %s, want Entry", byPath["main.go"].Purpose)
	}
	if byPath["thing_test.go"].Purpose != preprocess.PurposeTest {
		t.Errorf("thing_test.go purpose = %s, want Test", byPath["thing_test.go"].Purpose)
	}
	if byPath["schema.sql"].Purpose != preprocess.PurposeDatabase {
		t.Errorf("schema.sql purpose = %s, want Database", byPath["schema.sql"].Purpose)
	}
}

func TestAnalyzeImportanceIsWithinUnitRange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deep/nested/dir/file.go", "package x\n")

	result, err := New().Analyze(context.Background(), root, preprocess.StageConfig{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for _, fm := range result.ProjectStructure {
		if fm.Importance < 0 || fm.Importance > 1 {
			t.Errorf("importance out of [0,1] range for %s: %f", fm.Path, fm.Importance)
		}
	}
}
