package preprocess

import (
	"context"

	"archdoc/internal/config"
)

// Analyzer is the static-analysis collaborator: a fixed-contract
// dependency this stage calls and marshals outputs from without caring
// how it parses anything. AnalyzerResult carries
// only the two outputs that do not require an LLM call (original_document,
// project_structure); code_insights and relationships are produced by this
// stage itself in steps 4-5, since they require schema-constrained
// extraction through the Provider Facade.
type Analyzer interface {
	Analyze(ctx context.Context, projectPath string, cfg StageConfig) (AnalyzerResult, error)
}

// AnalyzerResult is what an Analyzer implementation returns.
type AnalyzerResult struct {
	OriginalDocument map[string]string
	ProjectStructure []FileMeta
}

// StageConfig is the subset of configuration the analyzer and stage driver
// consume; kept as its own plain-field type (rather than reusing
// config.PreprocessConfig directly) so internal/preprocess/analyzer only
// needs this narrow shape, not the configuration package's full YAML
// surface and tags. FromConfig converts a loaded config.PreprocessConfig
// into this shape.
type StageConfig struct {
	ExcludedDirs           []string
	MaxDepth               int
	ImportanceThreshold    float64
	AIConfidenceThreshold  float64
	MaxFileReadSize        int64
	MaxParallelFiles       int
	DatabaseFileExtensions []string
}

// FromConfig adapts the loaded configuration into a StageConfig.
func FromConfig(cfg config.PreprocessConfig) StageConfig {
	return StageConfig{
		ExcludedDirs:           cfg.ExcludedDirs,
		MaxDepth:               cfg.MaxDepth,
		ImportanceThreshold:    cfg.ImportanceThreshold,
		AIConfidenceThreshold:  cfg.AIConfidenceThreshold,
		MaxFileReadSize:        cfg.MaxFileReadSize,
		MaxParallelFiles:       cfg.MaxParallelFiles,
		DatabaseFileExtensions: cfg.DatabaseFileExtensions,
	}
}
