package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"archdoc/internal/compose"
)

// Persister receives the finished DocTree and SummaryReport. The engine
// imposes no format constraints beyond the DocTree's key -> markdown string
// shape, so a Persister can fan the tree out into files, a single document,
// an object store upload, or anything else a deployment needs.
type Persister interface {
	Write(ctx context.Context, tree compose.DocTree, summary SummaryReport) error
}

// FileWriter is the default Persister: one Markdown file per DocTree
// section plus a summary.json, under OutputDir.
type FileWriter struct {
	OutputDir string
}

// NewFileWriter constructs a FileWriter rooted at outputDir.
func NewFileWriter(outputDir string) *FileWriter {
	return &FileWriter{OutputDir: outputDir}
}

// Write creates OutputDir if needed, writes "{section}.md" for every
// DocTree entry (section names containing "/", like key_modules pages, are
// written into the matching subdirectory), and "summary.json" for the
// SummaryReport.
func (w *FileWriter) Write(_ context.Context, tree compose.DocTree, summary SummaryReport) error {
	if err := os.MkdirAll(w.OutputDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: create output dir %s: %w", w.OutputDir, err)
	}

	for section, body := range tree {
		path := filepath.Join(w.OutputDir, filepath.FromSlash(section)+".md")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("pipeline: create section dir for %s: %w", section, err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("pipeline: write section %s: %w", section, err)
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal summary: %w", err)
	}
	summaryPath := filepath.Join(w.OutputDir, "summary.json")
	if err := os.WriteFile(summaryPath, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write summary: %w", err)
	}
	return nil
}
