package preprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"archdoc/internal/config"
	"archdoc/internal/fanout"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/observability"
	"archdoc/internal/util"
)

// TimingRecord is what Stage.Run flushes into the TIMING memory scope.
type TimingRecord struct {
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// TimingKey is the TIMING scope key this stage writes its record under.
const TimingKey = "preprocess"

var insightSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":      map[string]any{"type": "string"},
		"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"summary", "dependencies"},
}

var relationshipSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":      map[string]any{"type": "string"},
		"module_graph": map[string]any{"type": "object"},
	},
	"required": []string{"summary", "module_graph"},
}

var purposeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"purpose": map[string]any{"type": "string"},
	},
	"required": []string{"purpose"},
}

// Stage is the preprocess driver: an imperative six-step sequence
// run directly against the Provider Facade, bypassing internal/agent's
// declarative Runner. Unlike the Research and Compose orchestrators, the
// steps here are fixed and always run in the same order, so there is no DAG
// to express.
type Stage struct {
	Analyzer    Analyzer
	Facade      *llm.Facade
	Memory      *memory.Memory
	Config      StageConfig
	Model       llm.ModelConfig
	Compression config.CompressionConfig
}

// New constructs a Stage from loaded configuration.
func New(analyzer Analyzer, facade *llm.Facade, mem *memory.Memory, cfg config.PreprocessConfig, model llm.ModelConfig, compression config.CompressionConfig) *Stage {
	return &Stage{
		Analyzer:    analyzer,
		Facade:      facade,
		Memory:      mem,
		Config:      FromConfig(cfg),
		Model:       model,
		Compression: compression,
	}
}

// Run executes all six steps and publishes the result into the PREPROCESS
// memory scope, returning the same Result for callers (e.g. the top-level
// pipeline driver's summary report) that want it directly.
func (s *Stage) Run(ctx context.Context, projectPath string) (Result, error) {
	started := time.Now()

	ctx, span := observability.StartSpan(ctx, "preprocess.run")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx)

	// Steps 1-2: top-level documents and project tree traversal.
	analyzed, err := s.Analyzer.Analyze(ctx, projectPath, s.Config)
	if err != nil {
		return Result{}, fmt.Errorf("preprocess: analyze: %w", err)
	}
	if err := s.Memory.Store(memory.Preprocess, KeyOriginalDocument, analyzed.OriginalDocument); err != nil {
		return Result{}, err
	}
	if err := s.Memory.Store(memory.Preprocess, KeyProjectStructure, analyzed.ProjectStructure); err != nil {
		return Result{}, err
	}

	// Step 3: mark core files, reclassifying low-confidence ones via LLM.
	threshold := s.Config.ImportanceThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	confidenceFloor := s.Config.AIConfidenceThreshold
	if confidenceFloor <= 0 {
		confidenceFloor = 0.7
	}

	var core []FileMeta
	for _, fm := range analyzed.ProjectStructure {
		if fm.Importance >= threshold {
			core = append(core, fm)
		}
	}
	core = s.reclassifyLowConfidence(ctx, core, confidenceFloor)

	// Step 4: bounded-parallel per-core-file code insight extraction.
	limit := s.Config.MaxParallelFiles
	if limit <= 0 {
		limit = 4
	}
	insightResults, errs := fanout.Run(ctx, limit, core, func(ctx context.Context, fm FileMeta) (CodeInsight, error) {
		return s.extractInsight(ctx, projectPath, fm)
	})
	var insights []CodeInsight
	for i, err := range errs {
		if err != nil {
			logger.Warn().Err(err).Str("path", core[i].Path).Msg("preprocess: code insight extraction failed, omitting file")
			continue
		}
		insights = append(insights, insightResults[i])
	}
	if err := s.Memory.Store(memory.Preprocess, KeyCodeInsights, insights); err != nil {
		return Result{}, err
	}

	// Step 5: compressor-gated aggregate relationship analysis.
	relationships, err := s.aggregateRelationships(ctx, insights)
	if err != nil {
		return Result{}, fmt.Errorf("preprocess: relationships: %w", err)
	}
	if err := s.Memory.Store(memory.Preprocess, KeyRelationships, relationships); err != nil {
		return Result{}, err
	}

	// Step 6: flush timing.
	finished := time.Now()
	record := TimingRecord{
		Stage:      "preprocess",
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	if err := s.Memory.Store(memory.Timing, TimingKey, record); err != nil {
		return Result{}, err
	}

	return Result{
		OriginalDocument: analyzed.OriginalDocument,
		ProjectStructure: analyzed.ProjectStructure,
		CodeInsights:     insights,
		Relationships:    relationships,
	}, nil
}

// reclassifyLowConfidence replaces the Purpose of any core file whose
// classifier confidence fell below confidenceFloor with the LLM's
// best-effort judgment, falling back to the rule-based result on error.
func (s *Stage) reclassifyLowConfidence(ctx context.Context, core []FileMeta, confidenceFloor float64) []FileMeta {
	logger := observability.LoggerWithTrace(ctx)
	for i, fm := range core {
		if fm.Confidence >= confidenceFloor {
			continue
		}
		var out struct {
			Purpose string `json:"purpose"`
		}
		sys := "Classify the purpose of a source file for an architectural documentation tool. Respond with exactly one of: " + purposeEnumList() + "."
		user := fmt.Sprintf("File path: %s\nRule-based guess (low confidence): %s", fm.Path, fm.Purpose)
		if err := s.Facade.Extract(ctx, "preprocess.purpose", sys, user, purposeSchema, &out, s.Model); err != nil {
			logger.Warn().Err(err).Str("path", fm.Path).Msg("preprocess: purpose reclassification failed, keeping rule-based guess")
			continue
		}
		if p := Purpose(strings.TrimSpace(out.Purpose)); isKnownPurpose(p) {
			core[i].Purpose = p
			core[i].Confidence = confidenceFloor
		}
	}
	return core
}

func (s *Stage) extractInsight(ctx context.Context, projectPath string, fm FileMeta) (CodeInsight, error) {
	content, err := s.readFileBounded(filepath.Join(projectPath, fm.Path))
	if err != nil {
		return CodeInsight{}, err
	}

	var out struct {
		Summary      string   `json:"summary"`
		Dependencies []string `json:"dependencies"`
	}
	sys := "Summarize the role of this source file in one or two sentences, and list the modules/packages it imports or depends on."
	user := fmt.Sprintf("Path: %s\nPurpose (heuristic): %s\n\n%s", fm.Path, fm.Purpose, content)
	if err := s.Facade.Extract(ctx, "preprocess.code_insight", sys, user, insightSchema, &out, s.Model); err != nil {
		return CodeInsight{}, fmt.Errorf("extract insight for %s: %w", fm.Path, err)
	}

	return CodeInsight{
		Path:         fm.Path,
		Purpose:      fm.Purpose,
		Summary:      out.Summary,
		Dependencies: out.Dependencies,
		Importance:   fm.Importance,
	}, nil
}

func (s *Stage) readFileBounded(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	maxBytes := s.Config.MaxFileReadSize
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return string(data), nil
}

// aggregateRelationships builds the step-5 project-level summary. When the
// joined insight text exceeds the configured compression threshold, it is
// compressed through one dedicated Facade.Complete call (cached under the
// "compression" category) before extraction, mirroring the Agent Runtime's
// own context-pruning behavior.
func (s *Stage) aggregateRelationships(ctx context.Context, insights []CodeInsight) (RelationshipAnalysis, error) {
	joined := joinInsights(insights)

	soft := s.Compression.ThresholdTokens
	if soft <= 0 {
		soft = 64_000
	}
	hard := s.Compression.HardCeilingTokens
	if hard <= 0 {
		hard = 150_000
	}

	text := joined
	if util.EstimateTokens(text) > soft {
		compressed, err := s.Facade.Complete(ctx, "compression",
			"Condense the following per-file summaries, preserving module names, import relationships, and any architectural boundaries. Be terse.",
			text, s.Model)
		if err != nil {
			return RelationshipAnalysis{}, err
		}
		if tokens := util.EstimateTokens(compressed); tokens > hard {
			return RelationshipAnalysis{}, &ContextTooLarge{EstimatedTokens: tokens, Ceiling: hard}
		}
		text = compressed
	}

	var out RelationshipAnalysis
	sys := "Given per-file summaries of a software project, produce an overall architectural summary and a module dependency graph (a map from module name to the modules it depends on)."
	if err := s.Facade.Extract(ctx, "preprocess.relationships", sys, text, relationshipSchema, &out, s.Model); err != nil {
		return RelationshipAnalysis{}, err
	}
	return out, nil
}

func joinInsights(insights []CodeInsight) string {
	var sb strings.Builder
	for _, ins := range insights {
		fmt.Fprintf(&sb, "### %s (%s)\n%s\nDepends on: %s\n\n", ins.Path, ins.Purpose, ins.Summary, strings.Join(ins.Dependencies, ", "))
	}
	return sb.String()
}

func purposeEnumList() string {
	names := make([]string, 0, len(allPurposes))
	for _, p := range allPurposes {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

var allPurposes = []Purpose{
	PurposeEntry, PurposeAPI, PurposeController, PurposeRouter, PurposeConfig,
	PurposeDatabase, PurposeModel, PurposeService, PurposeRepository, PurposeMiddleware,
	PurposeHandler, PurposeUtil, PurposeTest, PurposeDocumentation, PurposeBuild,
	PurposeCI, PurposeScript, PurposeSchema, PurposeMigration, PurposeAsset,
	PurposeVendor, PurposeUnknown,
}

func isKnownPurpose(p Purpose) bool {
	for _, known := range allPurposes {
		if p == known {
			return true
		}
	}
	return false
}
