// Package pipeline implements the pipeline driver: the top-level
// sequencer that runs Preprocess, Research, and Compose in order, owns the
// TIMING scope, and hands the finished DocTree plus a summary report to a
// Persister.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"archdoc/internal/cache"
	"archdoc/internal/compose"
	"archdoc/internal/memory"
	"archdoc/internal/observability"
	"archdoc/internal/preprocess"
	"archdoc/internal/research"
)

// StageTiming is one entry of the summary's per-stage duration table.
type StageTiming struct {
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// bytesPerTokenEstimate mirrors util.EstimateTokens' non-CJK chars/token
// ratio, applied to the blackboard's aggregate byte usage since the
// underlying strings aren't retained by UsageByScope.
const bytesPerTokenEstimate = 4.0

// SummaryReport is the Pipeline Driver's final account of one run: cache
// metrics, per-stage timings, an approximate total token volume, content
// volume by scope, and per-agent/per-section status for every research
// agent and compose section that ran. It is still populated and returned on a stage-fatal
// error, with whatever stages completed before the failure.
type SummaryReport struct {
	StageTimings         map[string]StageTiming            `json:"stage_timings"`
	CacheMetrics         []cache.CategoryReport            `json:"cache_metrics"`
	EstimatedTokenTotal  int64                             `json:"estimated_token_total"`
	ContentVolumeByScope map[memory.Scope]int64            `json:"content_volume_by_scope"`
	ResearchAgents       map[string]research.AgentOutcome  `json:"research_agents,omitempty"`
	ComposeSections      map[string]compose.SectionOutcome `json:"compose_sections,omitempty"`
	FatalStage           string                            `json:"fatal_stage,omitempty"`
	FatalError           string                            `json:"fatal_error,omitempty"`
}

// Driver sequences the four pipeline stages against a shared Memory and
// Cache, recording timings for the stages that don't already record their
// own (Preprocess writes its own TIMING entry; research/compose do not,
// since they have no stage-local reason to know about the TIMING scope).
type Driver struct {
	Memory     *memory.Memory
	Cache      *cache.Cache
	Preprocess *preprocess.Stage
	Research   *research.Orchestrator
	Compose    *compose.Orchestrator
	Persister  Persister
}

// New constructs a Driver from its stage collaborators. Persister may be
// nil, in which case Run produces the DocTree and SummaryReport without
// writing anything out.
func New(mem *memory.Memory, respCache *cache.Cache, pre *preprocess.Stage, res *research.Orchestrator, comp *compose.Orchestrator, persister Persister) *Driver {
	return &Driver{Memory: mem, Cache: respCache, Preprocess: pre, Research: res, Compose: comp, Persister: persister}
}

// Run executes Preprocess, Research, and Compose in sequence against
// projectPath, persists the result via d.Persister if set, and always
// returns a SummaryReport — partial, on a stage-fatal error, but never nil.
func (d *Driver) Run(ctx context.Context, projectPath string) (compose.DocTree, SummaryReport, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.run")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx)

	timings := map[string]StageTiming{}

	if _, err := d.Preprocess.Run(ctx, projectPath); err != nil {
		logger.Error().Err(err).Msg("pipeline: preprocess stage failed, aborting")
		return nil, d.summarize(timings, "preprocess", err), fmt.Errorf("pipeline: preprocess: %w", err)
	}
	timings["preprocess"] = d.readPreprocessTiming()

	researchStart := time.Now()
	researchReport, err := d.Research.Run(ctx)
	timings["research"] = d.recordTiming("research", researchStart)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline: research stage failed, aborting")
		summary := d.summarize(timings, "research", err)
		summary.ResearchAgents = researchReport.Agents
		return nil, summary, fmt.Errorf("pipeline: research: %w", err)
	}

	composeStart := time.Now()
	tree, composeReport, err := d.Compose.Run(ctx)
	timings["compose"] = d.recordTiming("compose", composeStart)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline: compose stage failed, aborting")
		summary := d.summarize(timings, "compose", err)
		summary.ResearchAgents = researchReport.Agents
		summary.ComposeSections = composeReport.Sections
		return tree, summary, fmt.Errorf("pipeline: compose: %w", err)
	}

	summary := d.summarize(timings, "", nil)
	summary.ResearchAgents = researchReport.Agents
	summary.ComposeSections = composeReport.Sections

	if d.Persister != nil {
		if err := d.Persister.Write(ctx, tree, summary); err != nil {
			return tree, summary, fmt.Errorf("pipeline: persist: %w", err)
		}
	}

	return tree, summary, nil
}

// recordTiming builds a StageTiming for a stage the Driver itself bracketed
// (research, compose), rather than one the stage recorded into TIMING on
// its own (preprocess).
func (d *Driver) recordTiming(stage string, started time.Time) StageTiming {
	finished := time.Now()
	record := StageTiming{Stage: stage, StartedAt: started, FinishedAt: finished, DurationMS: finished.Sub(started).Milliseconds()}
	_ = d.Memory.Store(memory.Timing, stage, record)
	return record
}

// readPreprocessTiming reads back the TimingRecord preprocess.Stage.Run
// already flushed to the TIMING scope under its own key.
func (d *Driver) readPreprocessTiming() StageTiming {
	var rec preprocess.TimingRecord
	found, err := d.Memory.Get(memory.Timing, preprocess.TimingKey, &rec)
	if err != nil || !found {
		return StageTiming{Stage: "preprocess"}
	}
	return StageTiming{Stage: rec.Stage, StartedAt: rec.StartedAt, FinishedAt: rec.FinishedAt, DurationMS: rec.DurationMS}
}

// summarize assembles a SummaryReport from whatever state is available,
// regardless of whether the run succeeded or aborted partway through.
func (d *Driver) summarize(timings map[string]StageTiming, fatalStage string, fatalErr error) SummaryReport {
	usage := d.Memory.UsageByScope()
	var totalBytes int64
	for _, n := range usage {
		totalBytes += n
	}

	summary := SummaryReport{
		StageTimings:         timings,
		ContentVolumeByScope: usage,
		EstimatedTokenTotal:  int64(float64(totalBytes) / bytesPerTokenEstimate),
	}
	if d.Cache != nil {
		summary.CacheMetrics = d.Cache.Report()
	}
	if fatalErr != nil {
		summary.FatalStage = fatalStage
		summary.FatalError = fatalErr.Error()
	}
	return summary
}
