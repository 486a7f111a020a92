// Package config loads the pipeline's YAML configuration surface:
// provider, cache, preprocess, compression, knowledge, and output
// settings, plus the ambient observability/otel settings.
package config

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// ProviderConfig configures the LLM provider facade.
type ProviderConfig struct {
	Kind          string  `yaml:"kind"`
	PrimaryModel  string  `yaml:"primary_model"`
	FallbackModel string  `yaml:"fallback_model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	APIBaseURL    string  `yaml:"api_base_url"`
	Credential    string  `yaml:"credential"`
	MaxParallels  int     `yaml:"max_parallels"`
	MaxIterations int     `yaml:"max_iterations"`
	// ExtraHeaders are fixed HTTP headers added to every provider request
	// (e.g. OpenRouter's HTTP-Referer/X-Title attribution headers).
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty"`
}

// ModelPriceEntry is one row of the cache's model-price table, used to
// estimate cost savings from cache hits.
type ModelPriceEntry struct {
	Model       string  `yaml:"model"`
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled         bool              `yaml:"enabled"`
	RootDir         string            `yaml:"root_dir"`
	ExpireHours     int               `yaml:"expire_hours"` // 0 = never
	ModelPriceTable []ModelPriceEntry `yaml:"model_price_table"`
}

// PreprocessConfig configures the preprocess stage.
type PreprocessConfig struct {
	ExcludedDirs           []string `yaml:"excluded_dirs"`
	MaxDepth               int      `yaml:"max_depth"`
	ImportanceThreshold    float64  `yaml:"importance_threshold"`
	AIConfidenceThreshold  float64  `yaml:"ai_confidence_threshold"`
	MaxFileReadSize        int64    `yaml:"max_file_read_size"`
	MaxParallelFiles       int      `yaml:"max_parallel_files"`
	DatabaseFileExtensions []string `yaml:"database_file_extensions"`
}

// CompressionConfig configures the context-pruning compressor.
type CompressionConfig struct {
	ThresholdTokens   int      `yaml:"threshold_tokens"`
	HardCeilingTokens int      `yaml:"hard_ceiling_tokens"`
	MaxTokens         int      `yaml:"max_tokens"`
	PreservePatterns  []string `yaml:"preserve_patterns"`
}

// KnowledgeCategoryConfig is one entry in knowledge.categories.
type KnowledgeCategoryConfig struct {
	Name         string   `yaml:"name"`
	Patterns     []string `yaml:"patterns"`
	TargetAgents []string `yaml:"target_agents,omitempty"`
}

// ChunkingConfig configures the knowledge store's text splitter.
type ChunkingConfig struct {
	Strategy     string `yaml:"strategy"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// KnowledgeConfig configures the knowledge store.
type KnowledgeConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	CacheDir   string                    `yaml:"cache_dir"`
	Categories []KnowledgeCategoryConfig `yaml:"categories"`
	Chunking   ChunkingConfig            `yaml:"chunking"`
}

// OutputConfig configures final document rendering / persistence.
type OutputConfig struct {
	TargetLanguage string `yaml:"target_language"`
	OutputDir      string `yaml:"output_dir"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	LogLevel     string `yaml:"log_level"`
}

// Config is the top-level configuration surface.
type Config struct {
	ProjectPath   string              `yaml:"project_path"`
	Provider      ProviderConfig      `yaml:"provider"`
	Cache         CacheConfig         `yaml:"cache"`
	Preprocess    PreprocessConfig    `yaml:"preprocess"`
	Compression   CompressionConfig   `yaml:"compression"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Output        OutputConfig        `yaml:"output"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads filename, unmarshals it as YAML into a Config, and applies
// defaults for anything left unset. Missing/invalid config is fatal at
// startup, per the ConfigError taxon.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		pterm.Error.Printf("error reading config file: %v\n", err)
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("error unmarshaling config: %v\n", err)
		return nil, fmt.Errorf("config: unmarshal %s: %w", filename, err)
	}

	applyDefaults(&cfg)
	pterm.Success.Println("configuration loaded successfully")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.MaxParallels <= 0 {
		cfg.Provider.MaxParallels = 4
		pterm.Info.Println("no provider.max_parallels specified, using default (4)")
	}
	if cfg.Provider.MaxIterations <= 0 {
		cfg.Provider.MaxIterations = 10
	}
	if cfg.Provider.Temperature == 0 {
		cfg.Provider.Temperature = 0.2
	}

	if cfg.Cache.RootDir == "" {
		cfg.Cache.RootDir = ".archdoc-cache"
	}

	if cfg.Preprocess.MaxDepth <= 0 {
		cfg.Preprocess.MaxDepth = 12
	}
	if cfg.Preprocess.ImportanceThreshold <= 0 {
		cfg.Preprocess.ImportanceThreshold = 0.5
	}
	if cfg.Preprocess.AIConfidenceThreshold <= 0 {
		cfg.Preprocess.AIConfidenceThreshold = 0.7
	}
	if cfg.Preprocess.MaxParallelFiles <= 0 {
		cfg.Preprocess.MaxParallelFiles = cfg.Provider.MaxParallels
	}
	if len(cfg.Preprocess.DatabaseFileExtensions) == 0 {
		cfg.Preprocess.DatabaseFileExtensions = []string{".sql", ".sqlproj"}
	}

	if cfg.Compression.ThresholdTokens <= 0 {
		cfg.Compression.ThresholdTokens = 64_000
	}
	if cfg.Compression.HardCeilingTokens <= 0 {
		cfg.Compression.HardCeilingTokens = 150_000
	}

	if cfg.Output.TargetLanguage == "" {
		cfg.Output.TargetLanguage = "en"
	}
	if cfg.Output.OutputDir == "" {
		cfg.Output.OutputDir = "./docs"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "archdoc"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
}

// PriceTableByModel converts Cache.ModelPriceTable into the map shape the
// cache package consumes.
func (c CacheConfig) PriceTableByModel() map[string]struct {
	InputPer1M  float64
	OutputPer1M float64
} {
	out := make(map[string]struct {
		InputPer1M  float64
		OutputPer1M float64
	}, len(c.ModelPriceTable))
	for _, e := range c.ModelPriceTable {
		out[e.Model] = struct {
			InputPer1M  float64
			OutputPer1M float64
		}{InputPer1M: e.InputPer1M, OutputPer1M: e.OutputPer1M}
	}
	return out
}
