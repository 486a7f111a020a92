// Package analyzer ships the in-repo default implementation of the
// preprocess.Analyzer collaborator: a filesystem walk with a heuristic
// importance score and a filename/extension-driven purpose classifier.
// Real deployments are expected to supply their own Analyzer wrapping a
// language-specific static-analysis tool; this default exists so the
// pipeline is runnable standalone.
package analyzer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"archdoc/internal/preprocess"
)

// topLevelDocNames are the files extracted verbatim into original_document.
var topLevelDocNames = []string{
	"README", "README.md", "README.rst", "README.txt",
	"CONTRIBUTING", "CONTRIBUTING.md",
	"CHANGELOG", "CHANGELOG.md",
	"LICENSE", "LICENSE.md", "LICENSE.txt",
}

// Default is the default Analyzer implementation.
type Default struct{}

// New constructs the default analyzer.
func New() *Default { return &Default{} }

// Analyze implements preprocess.Analyzer.
func (Default) Analyze(ctx context.Context, projectPath string, cfg preprocess.StageConfig) (preprocess.AnalyzerResult, error) {
	docs := extractTopLevelDocuments(projectPath)

	excluded := make(map[string]bool, len(cfg.ExcludedDirs))
	for _, d := range cfg.ExcludedDirs {
		excluded[d] = true
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 12
	}

	var structure []preprocess.FileMeta
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(projectPath, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))

		if d.IsDir() {
			if excluded[d.Name()] {
				return filepath.SkipDir
			}
			if depth >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if depth > maxDepth {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		purpose, confidence := classifyPurpose(rel, cfg.DatabaseFileExtensions)
		structure = append(structure, preprocess.FileMeta{
			Path:       rel,
			Size:       info.Size(),
			Depth:      depth,
			Importance: scoreImportance(rel, depth, info.Size(), purpose),
			Purpose:    purpose,
			Confidence: confidence,
		})
		return nil
	})
	if err != nil {
		return preprocess.AnalyzerResult{}, err
	}

	return preprocess.AnalyzerResult{OriginalDocument: docs, ProjectStructure: structure}, nil
}

func extractTopLevelDocuments(projectPath string) map[string]string {
	docs := make(map[string]string)
	for _, name := range topLevelDocNames {
		data, err := os.ReadFile(filepath.Join(projectPath, name))
		if err != nil {
			continue
		}
		docs[name] = string(data)
	}
	return docs
}

// scoreImportance weights shallower, non-trivial-sized, core-purpose files
// higher. Output is clamped to [0, 1]; it is a thresholding heuristic, not a
// precise ranking.
func scoreImportance(rel string, depth int, size int64, purpose preprocess.Purpose) float64 {
	score := 1.0 / float64(depth+1)

	sizeFactor := float64(size) / 10_000
	if sizeFactor > 0.3 {
		sizeFactor = 0.3
	}
	score += sizeFactor

	if preprocess.EntryPurposes[purpose] {
		score += 0.2
	}
	if purpose == preprocess.PurposeTest || purpose == preprocess.PurposeVendor || purpose == preprocess.PurposeAsset {
		score -= 0.3
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

type classRule struct {
	purpose    preprocess.Purpose
	confidence float64
	match      func(relPath, base, ext string) bool
}

var classRules = []classRule{
	{preprocess.PurposeVendor, 1.0, func(rel, _, _ string) bool {
		return hasPathComponent(rel, "vendor") || hasPathComponent(rel, "node_modules")
	}},
	{preprocess.PurposeTest, 0.95, func(rel, base, _ string) bool {
		return strings.Contains(base, "_test.") || strings.HasSuffix(base, ".test.js") ||
			strings.HasSuffix(base, ".test.ts") || hasPathComponent(rel, "test") || hasPathComponent(rel, "tests")
	}},
	{preprocess.PurposeEntry, 0.95, func(_, base, _ string) bool {
		switch base {
		case "main.go", "main.py", "main.rs", "index.js", "index.ts", "app.py", "program.cs":
			return true
		}
		return false
	}},
	{preprocess.PurposeCI, 0.9, func(rel, _, _ string) bool {
		return hasPathComponent(rel, ".github") || hasPathComponent(rel, ".circleci")
	}},
	{preprocess.PurposeMigration, 0.9, func(rel, _, _ string) bool {
		return hasPathComponent(rel, "migrations") || hasPathComponent(rel, "migrate")
	}},
	{preprocess.PurposeRouter, 0.85, func(_, base, _ string) bool { return strings.Contains(base, "router") }},
	{preprocess.PurposeMiddleware, 0.85, func(_, base, _ string) bool { return strings.Contains(base, "middleware") }},
	{preprocess.PurposeController, 0.85, func(rel, base, _ string) bool {
		return strings.Contains(base, "controller") || hasPathComponent(rel, "controllers")
	}},
	{preprocess.PurposeHandler, 0.85, func(_, base, _ string) bool { return strings.Contains(base, "handler") }},
	{preprocess.PurposeAPI, 0.8, func(rel, _, _ string) bool { return hasPathComponent(rel, "api") }},
	{preprocess.PurposeConfig, 0.8, func(_, base, _ string) bool {
		return strings.Contains(base, "config") || strings.Contains(base, ".env")
	}},
	{preprocess.PurposeRepository, 0.8, func(rel, base, _ string) bool {
		return strings.Contains(base, "repository") || strings.Contains(base, "repo") || hasPathComponent(rel, "repositories")
	}},
	{preprocess.PurposeService, 0.8, func(rel, base, _ string) bool {
		return strings.Contains(base, "service") || hasPathComponent(rel, "services")
	}},
	{preprocess.PurposeModel, 0.75, func(rel, base, _ string) bool {
		return hasPathComponent(rel, "models") || strings.Contains(base, "model")
	}},
	{preprocess.PurposeUtil, 0.7, func(rel, base, _ string) bool {
		return hasPathComponent(rel, "util") || hasPathComponent(rel, "utils") || hasPathComponent(rel, "helpers")
	}},
	{preprocess.PurposeBuild, 0.8, func(_, base, _ string) bool {
		switch base {
		case "Makefile", "Dockerfile", "docker-compose.yml", "docker-compose.yaml":
			return true
		}
		return false
	}},
	{preprocess.PurposeScript, 0.7, func(_, _, ext string) bool { return ext == ".sh" || ext == ".ps1" }},
	{preprocess.PurposeDocumentation, 0.7, func(_, _, ext string) bool {
		return ext == ".md" || ext == ".rst" || ext == ".txt"
	}},
	{preprocess.PurposeAsset, 0.7, func(_, _, ext string) bool {
		switch ext {
		case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2", ".ttf":
			return true
		}
		return false
	}},
	{preprocess.PurposeSchema, 0.7, func(_, base, ext string) bool {
		return strings.Contains(base, "schema") || ext == ".proto" || ext == ".graphql"
	}},
}

// classifyPurpose applies the rule table in priority order. Any extension
// in dbExtensions is tagged Database directly, which is what the research
// stage's conditional database trigger keys off.
func classifyPurpose(relPath string, dbExtensions []string) (preprocess.Purpose, float64) {
	base := filepath.Base(relPath)
	ext := strings.ToLower(filepath.Ext(relPath))

	for _, dbExt := range dbExtensions {
		if ext == strings.ToLower(dbExt) {
			return preprocess.PurposeDatabase, 1.0
		}
	}
	for _, rule := range classRules {
		if rule.match(relPath, base, ext) {
			return rule.purpose, rule.confidence
		}
	}
	return preprocess.PurposeUnknown, 0.4
}

func hasPathComponent(relPath, name string) bool {
	for _, part := range strings.Split(relPath, string(filepath.Separator)) {
		if strings.EqualFold(part, name) {
			return true
		}
	}
	return false
}
