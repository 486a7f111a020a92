package agent

// This file defines the typed output shapes the Research and Compose
// orchestrators extract into via CallExtract, each paired with a
// hand-written Schema() describing its JSON shape for the Provider
// Facade's schema-constrained extraction.

// SystemContextReport is the system_context agent's output: a high-level
// orientation to the project as a whole.
type SystemContextReport struct {
	Summary    string   `json:"summary"`
	Purpose    string   `json:"purpose"`
	TechStack  []string `json:"tech_stack"`
	EntryPoint string   `json:"entry_point"`
}

func (SystemContextReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary":     map[string]any{"type": "string"},
			"purpose":     map[string]any{"type": "string"},
			"tech_stack":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"entry_point": map[string]any{"type": "string"},
		},
		"required": []string{"summary", "purpose", "tech_stack"},
	}
}

// ModuleRef is one detected domain module: the unit key_modules fans out
// over, one agent invocation per entry.
type ModuleRef struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CoreFiles   []string `json:"core_files"`
}

// DomainModulesReport is the domain_modules agent's output.
type DomainModulesReport struct {
	Modules []ModuleRef `json:"modules"`
}

func (DomainModulesReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"modules": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"core_files":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"name", "description"},
				},
			},
		},
		"required": []string{"modules"},
	}
}

// Workflow is one detected end-to-end flow through the system.
type Workflow struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// WorkflowsReport is the workflows agent's output.
type WorkflowsReport struct {
	Workflows []Workflow `json:"workflows"`
}

func (WorkflowsReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"workflows": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"steps":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"name", "description"},
				},
			},
		},
		"required": []string{"workflows"},
	}
}

// KeyModuleReport is one key_modules fan-out agent's output.
type KeyModuleReport struct {
	Module           string   `json:"module"`
	Summary          string   `json:"summary"`
	Responsibilities []string `json:"responsibilities"`
	Dependencies     []string `json:"dependencies"`
}

func (KeyModuleReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"module":           map[string]any{"type": "string"},
			"summary":          map[string]any{"type": "string"},
			"responsibilities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"dependencies":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"module", "summary"},
	}
}

// BoundaryEntry is one external-facing surface (entry point, API, router,
// controller, or config file) identified for the boundaries agent.
type BoundaryEntry struct {
	Path        string `json:"path"`
	Purpose     string `json:"purpose"`
	Description string `json:"description"`
}

// BoundariesReport is the boundaries agent's output.
type BoundariesReport struct {
	EntryPoints []BoundaryEntry `json:"entry_points"`
}

func (BoundariesReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entry_points": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":        map[string]any{"type": "string"},
						"purpose":     map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
					},
					"required": []string{"path", "purpose"},
				},
			},
		},
		"required": []string{"entry_points"},
	}
}

// DatabaseReport is the conditional database agent's output.
type DatabaseReport struct {
	Summary string   `json:"summary"`
	Tables  []string `json:"tables"`
}

func (DatabaseReport) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"tables":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"summary"},
	}
}
