// Package preprocess implements the preprocess stage: an imperative
// six-step driver that extracts top-level documents, traverses the project
// tree, classifies file purpose and importance, runs bounded-parallel
// per-file code analysis, and aggregates a project-level relationship
// summary, publishing each result into the PREPROCESS memory scope.
package preprocess

// Purpose is the closed file-purpose taxonomy used for core-file marking,
// the boundaries/database conditional triggers in the Research Orchestrator,
// and code-insight rendering in the Agent Runtime's formatters.
type Purpose string

const (
	PurposeEntry         Purpose = "Entry"
	PurposeAPI           Purpose = "API"
	PurposeController    Purpose = "Controller"
	PurposeRouter        Purpose = "Router"
	PurposeConfig        Purpose = "Config"
	PurposeDatabase      Purpose = "Database"
	PurposeModel         Purpose = "Model"
	PurposeService       Purpose = "Service"
	PurposeRepository    Purpose = "Repository"
	PurposeMiddleware    Purpose = "Middleware"
	PurposeHandler       Purpose = "Handler"
	PurposeUtil          Purpose = "Util"
	PurposeTest          Purpose = "Test"
	PurposeDocumentation Purpose = "Documentation"
	PurposeBuild         Purpose = "Build"
	PurposeCI            Purpose = "CI"
	PurposeScript        Purpose = "Script"
	PurposeSchema        Purpose = "Schema"
	PurposeMigration     Purpose = "Migration"
	PurposeAsset         Purpose = "Asset"
	PurposeVendor        Purpose = "Vendor"
	PurposeUnknown       Purpose = "Unknown"
)

// EntryPurposes is the external-facing subset of the taxonomy: the filter
// the boundaries analysis applies to code insights.
var EntryPurposes = map[Purpose]bool{
	PurposeEntry:      true,
	PurposeAPI:        true,
	PurposeController: true,
	PurposeRouter:     true,
	PurposeConfig:     true,
}

// FileMeta is one project_structure entry: a file's location, size, depth,
// and the importance/purpose classification used to mark core files.
type FileMeta struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Depth      int     `json:"depth"`
	Importance float64 `json:"importance"`
	Purpose    Purpose `json:"purpose"`
	Confidence float64 `json:"confidence"`
}

// CodeInsight is the per-file analysis output from step 4: static metadata
// plus an LLM-extracted summary and dependency list.
type CodeInsight struct {
	Path         string   `json:"path"`
	Purpose      Purpose  `json:"purpose"`
	Summary      string   `json:"summary"`
	Dependencies []string `json:"dependencies"`
	Importance   float64  `json:"importance"`
}

// RelationshipAnalysis is the project-level aggregate produced in step 5.
type RelationshipAnalysis struct {
	Summary     string              `json:"summary"`
	ModuleGraph map[string][]string `json:"module_graph"`
}

// Result is the complete output of one Preprocess Stage run, mirroring the
// four PREPROCESS:* memory keys it publishes.
type Result struct {
	OriginalDocument map[string]string    `json:"original_document"`
	ProjectStructure []FileMeta           `json:"project_structure"`
	CodeInsights     []CodeInsight        `json:"code_insights"`
	Relationships    RelationshipAnalysis `json:"relationships"`
}

// Memory keys within the PREPROCESS scope.
const (
	KeyOriginalDocument = "original_document"
	KeyProjectStructure = "project_structure"
	KeyCodeInsights     = "code_insights"
	KeyRelationships    = "relationships"
)
