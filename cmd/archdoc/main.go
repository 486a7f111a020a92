// Command archdoc runs the architectural documentation pipeline end to
// end against a project directory: Preprocess, Research, Compose, and
// persistence of the resulting document tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"archdoc/internal/agent"
	"archdoc/internal/cache"
	"archdoc/internal/compose"
	"archdoc/internal/config"
	"archdoc/internal/knowledge"
	"archdoc/internal/llm"
	"archdoc/internal/llmfactory"
	"archdoc/internal/memory"
	"archdoc/internal/observability"
	"archdoc/internal/pipeline"
	"archdoc/internal/preprocess"
	"archdoc/internal/preprocess/analyzer"
	"archdoc/internal/research"
	"archdoc/internal/version"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "config.yaml", "path to the pipeline configuration file")
		project     = flag.String("project", "", "project directory to document (overrides config.project_path)")
		outputDir   = flag.String("output", "", "output directory for the generated docs (overrides config.output.output_dir)")
		logFile     = flag.String("log-file", "", "write logs to this file instead of stdout")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("archdoc %s\n", version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *project != "" {
		cfg.ProjectPath = *project
	}
	if *outputDir != "" {
		cfg.Output.OutputDir = *outputDir
	}
	if cfg.ProjectPath == "" {
		log.Fatal("no project path set; pass -project or set project_path in the config file")
	}

	observability.InitLogger(*logFile, cfg.Observability.LogLevel)

	ctx := context.Background()
	shutdown, err := observability.InitOTel(ctx, observability.ObsConfig{
		OTLP:        cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Observability.Environment,
	})
	if err != nil {
		log.Fatalf("init otel: %v", err)
	}
	defer func() { _ = shutdown(ctx) }()
	if cfg.Observability.OTLPEndpoint != "" {
		observability.AttachOTelBridge(cfg.Observability.ServiceName)
	}

	httpClient := observability.NewHTTPClient(nil)
	if len(cfg.Provider.ExtraHeaders) > 0 {
		httpClient = observability.WithHeaders(httpClient, cfg.Provider.ExtraHeaders)
	}
	transport, err := llmfactory.BuildTransport(ctx, llmfactory.TransportConfig{
		Kind:       llm.Kind(cfg.Provider.Kind),
		Model:      cfg.Provider.PrimaryModel,
		APIKey:     resolveCredential(cfg.Provider.Credential),
		APIBaseURL: cfg.Provider.APIBaseURL,
	}, httpClient)
	if err != nil {
		log.Fatalf("build provider transport: %v", err)
	}

	respCache := cache.New(cache.Config{
		Enabled:         cfg.Cache.Enabled,
		RootDir:         cfg.Cache.RootDir,
		ExpireHours:     cfg.Cache.ExpireHours,
		ModelPriceTable: priceTable(cfg.Cache),
	})

	facade := llm.New(transport, respCache, llm.DefaultRetryConfig(), nil)

	mem := memory.New()
	model := llm.ModelConfig{
		Primary:     cfg.Provider.PrimaryModel,
		Fallback:    cfg.Provider.FallbackModel,
		Temperature: cfg.Provider.Temperature,
	}

	var knowledgeStore *knowledge.Store
	if cfg.Knowledge.Enabled {
		knowledgeStore, err = knowledge.New(cfg.Knowledge)
		if err != nil {
			log.Fatalf("init knowledge store: %v", err)
		}
		if err := knowledgeStore.Sync(ctx, cfg.ProjectPath); err != nil {
			log.Fatalf("sync knowledge store: %v", err)
		}
	}

	runner := &agent.Runner{
		Memory:       mem,
		Facade:       facade,
		Compression:  cfg.Compression,
		Localization: cfg.Output.TargetLanguage,
	}
	if knowledgeStore != nil {
		runner.Knowledge = knowledgeStore
	}

	tools := agent.NewToolRegistry(cfg.ProjectPath, cfg.Preprocess.ExcludedDirs)
	summaryReasoning := true
	toolsConfig := agent.ToolsConfig{
		Tools:      tools.Schemas(),
		Dispatcher: tools,
		Loop: llm.ToolLoopConfig{
			MaxIterations:          cfg.Provider.MaxIterations,
			EnableSummaryReasoning: &summaryReasoning,
		},
	}

	stage := preprocess.New(analyzer.New(), facade, mem, cfg.Preprocess, model, cfg.Compression)
	researchOrc := research.New(runner, mem, model, toolsConfig, cfg.Provider.MaxParallels)
	composeOrc := compose.New(runner, mem, model, cfg.Provider.MaxParallels)

	driver := pipeline.New(mem, respCache, stage, researchOrc, composeOrc, pipeline.NewFileWriter(cfg.Output.OutputDir))

	_, summary, err := driver.Run(ctx, cfg.ProjectPath)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("fatal_stage", summary.FatalStage).Msg("archdoc: pipeline run failed")
		os.Exit(1)
	}

	observability.LoggerWithTrace(ctx).Info().
		Int("research_agents", len(summary.ResearchAgents)).
		Int64("estimated_tokens", summary.EstimatedTokenTotal).
		Msg("archdoc: pipeline run complete")
	fmt.Printf("documentation written to %s\n", cfg.Output.OutputDir)
}

// resolveCredential treats the configured credential string as the name of
// an environment variable, keeping secrets out of config.yaml and .env
// being the only place an API key is ever written down. A value that
// doesn't resolve to a set environment variable is used as-is, so a raw key
// still works for quick local runs.
func resolveCredential(credential string) string {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ""
	}
	if v := os.Getenv(credential); v != "" {
		return v
	}
	return credential
}

func priceTable(cacheCfg config.CacheConfig) map[string]cache.ModelPrice {
	out := make(map[string]cache.ModelPrice, len(cacheCfg.ModelPriceTable))
	for model, p := range cacheCfg.PriceTableByModel() {
		out[model] = cache.ModelPrice{InputPer1M: p.InputPer1M, OutputPer1M: p.OutputPer1M}
	}
	return out
}
