// Package research implements the research orchestrator: a fixed
// dependency DAG of declarative agents, executed in topological layers with
// bounded-parallelism fan-out for the per-module analysis.
package research

import (
	"context"
	"fmt"

	"archdoc/internal/agent"
	"archdoc/internal/fanout"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/observability"
	"archdoc/internal/preprocess"
)

// Status is the per-agent outcome recorded in Report, surfaced verbatim in
// the Pipeline Driver's SummaryReport.
type Status string

const (
	StatusSucceeded Status = "success"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// AgentOutcome is one agent's (or one key_modules sub-fan-out's) result.
type AgentOutcome struct {
	Status Status
	Err    error
}

// Report summarizes one Research Orchestrator run.
type Report struct {
	Agents          map[string]AgentOutcome
	Modules         []string // names of modules whose key_modules report succeeded
	DatabaseEnabled bool
}

// Memory keys within the RESEARCH scope, besides the per-module
// "key_modules/<name>" keys produced by ModuleKey.
const (
	KeySystemContext = "system_context"
	KeyDomainModules = "domain_modules"
	KeyArchitecture  = "architecture"
	KeyWorkflows     = "workflows"
	KeyBoundaries    = "boundaries"
	KeyDatabase      = "database"
	KeyModuleIndex   = "key_modules_index"
)

// ModuleKey builds the RESEARCH scope key for one key_modules fan-out
// result, shared with the Compose Orchestrator's DocTree key convention.
func ModuleKey(name string) string { return "key_modules/" + name }

// Orchestrator runs the fixed research DAG against a shared Agent Runner.
type Orchestrator struct {
	Runner       *agent.Runner
	Memory       *memory.Memory
	Model        llm.ModelConfig
	Tools        agent.ToolsConfig // architecture's WithTools configuration
	MaxParallels int
}

// New constructs an Orchestrator.
func New(runner *agent.Runner, mem *memory.Memory, model llm.ModelConfig, tools agent.ToolsConfig, maxParallels int) *Orchestrator {
	return &Orchestrator{Runner: runner, Memory: mem, Model: model, Tools: tools, MaxParallels: maxParallels}
}

func (o *Orchestrator) limit(want int) int {
	if o.MaxParallels > 0 && o.MaxParallels < want {
		return o.MaxParallels
	}
	if want <= 0 {
		return 1
	}
	return want
}

// Run executes the DAG in its three topological layers:
//
//	layer 1: system_context, boundaries, database (conditional) — depend
//	         only on PREPROCESS:*, so they run concurrently.
//	layer 2: domain_modules — depends on system_context.
//	layer 3: architecture, workflows, key_modules×N — all depend on
//	         domain_modules, so they run concurrently.
//
// system_context and domain_modules are stage-fatal: every other agent
// depends on them transitively. Every other agent's failure is logged,
// recorded in Report.Agents, and absorbed — the orchestrator continues and
// downstream stages render a placeholder for the missing section.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	report := Report{Agents: map[string]AgentOutcome{}}

	ctx, span := observability.StartSpan(ctx, "research.run")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx)

	databaseEnabled, err := o.databaseTriggered(ctx)
	if err != nil {
		return report, fmt.Errorf("research: check database trigger: %w", err)
	}
	report.DatabaseEnabled = databaseEnabled

	// Layer 1.
	layer1 := []string{"system_context", "boundaries"}
	if databaseEnabled {
		layer1 = append(layer1, "database")
	}
	layer1Results, layer1Errs := fanout.Run(ctx, o.limit(len(layer1)), layer1, func(ctx context.Context, name string) (any, error) {
		return o.runNamed(ctx, name)
	})
	for i, name := range layer1 {
		err := layer1Errs[i]
		if name == "system_context" && err != nil {
			return report, fmt.Errorf("research: stage-fatal failure in system_context: %w", err)
		}
		report.Agents[name] = outcomeFor(err)
		_ = layer1Results[i]
		if err != nil {
			logger.Warn().Err(err).Str("agent", name).Msg("research: layer-1 agent failed")
		}
	}

	// Layer 2.
	if _, err := o.runNamed(ctx, "domain_modules"); err != nil {
		report.Agents["domain_modules"] = outcomeFor(err)
		return report, fmt.Errorf("research: stage-fatal failure in domain_modules: %w", err)
	}
	report.Agents["domain_modules"] = StatusSucceeded.outcome()

	var domainModules agent.DomainModulesReport
	if found, err := o.Memory.Get(memory.Research, KeyDomainModules, &domainModules); err != nil {
		return report, fmt.Errorf("research: read domain_modules: %w", err)
	} else if !found {
		return report, fmt.Errorf("research: domain_modules produced no output")
	}

	// Layer 3.
	items := make([]layer3Item, 0, 2+len(domainModules.Modules))
	items = append(items, layer3Item{kind: "architecture"}, layer3Item{kind: "workflows"})
	for _, m := range domainModules.Modules {
		items = append(items, layer3Item{kind: "key_module", module: m})
	}

	layer3Results, layer3Errs := fanout.Run(ctx, o.limit(len(items)), items, func(ctx context.Context, item layer3Item) (any, error) {
		switch item.kind {
		case "architecture":
			return o.runNamed(ctx, "architecture")
		case "workflows":
			return o.runNamed(ctx, "workflows")
		default:
			return o.runKeyModule(ctx, item.module)
		}
	})

	var modulesSucceeded, modulesFailed int
	for i, item := range items {
		err := layer3Errs[i]
		_ = layer3Results[i]
		switch item.kind {
		case "architecture", "workflows":
			report.Agents[item.kind] = outcomeFor(err)
			if err != nil {
				logger.Warn().Err(err).Str("agent", item.kind).Msg("research: layer-3 agent failed")
			}
		default:
			key := ModuleKey(item.module.Name)
			if err != nil {
				modulesFailed++
				report.Agents[key] = outcomeFor(err)
				logger.Warn().Err(err).Str("module", item.module.Name).Msg("research: key_module failed, omitting from aggregate")
				continue
			}
			modulesSucceeded++
			report.Agents[key] = StatusSucceeded.outcome()
			report.Modules = append(report.Modules, item.module.Name)
		}
	}

	switch {
	case modulesFailed == 0 && modulesSucceeded > 0:
		report.Agents["key_modules"] = StatusSucceeded.outcome()
	case modulesSucceeded > 0:
		report.Agents["key_modules"] = StatusDegraded.outcome()
	default:
		report.Agents["key_modules"] = StatusFailed.outcome()
	}

	if err := o.Memory.Store(memory.Research, KeyModuleIndex, report.Modules); err != nil {
		return report, fmt.Errorf("research: store key_modules index: %w", err)
	}

	return report, nil
}

func (s Status) outcome() AgentOutcome { return AgentOutcome{Status: s} }

func outcomeFor(err error) AgentOutcome {
	if err != nil {
		return AgentOutcome{Status: StatusFailed, Err: err}
	}
	return AgentOutcome{Status: StatusSucceeded}
}

type layer3Item struct {
	kind   string
	module agent.ModuleRef
}

// databaseTriggered reports whether the database agent should run: any
// core-file insight classified Database, or any project file matching the
// configured database extension set (the analyzer tags both the same way,
// at PurposeDatabase, so checking either memory key covers both signals).
func (o *Orchestrator) databaseTriggered(ctx context.Context) (bool, error) {
	var insights []preprocess.CodeInsight
	if found, err := o.Memory.Get(memory.Preprocess, preprocess.KeyCodeInsights, &insights); err != nil {
		return false, err
	} else if found {
		for _, ins := range insights {
			if ins.Purpose == preprocess.PurposeDatabase {
				return true, nil
			}
		}
	}

	var structure []preprocess.FileMeta
	if found, err := o.Memory.Get(memory.Preprocess, preprocess.KeyProjectStructure, &structure); err != nil {
		return false, err
	} else if found {
		for _, fm := range structure {
			if fm.Purpose == preprocess.PurposeDatabase {
				return true, nil
			}
		}
	}
	return false, nil
}

func (o *Orchestrator) runKeyModule(ctx context.Context, module agent.ModuleRef) (any, error) {
	spec := agent.Spec{
		Name: "key_modules:" + module.Name,
		Inputs: []agent.Dependency{
			agent.ResearchResult("domain_modules", "DomainModules", true, agent.FormatPlainText),
		},
		CallMode: agent.CallExtract,
		Extract: agent.ExtractConfig{
			Schema: agent.KeyModuleReport{}.Schema(),
			New:    func() any { return &agent.KeyModuleReport{} },
		},
		PromptTemplate: agent.PromptTemplate{
			System: "You are documenting one module of a software project for an architecture document.",
			Opening: fmt.Sprintf(
				"Module under analysis: %s\nDescription (from domain decomposition): %s\nCore files: %v",
				module.Name, module.Description, module.CoreFiles),
			Closing: "Summarize the module's responsibilities and its dependencies on other modules.",
		},
		OutputScope:    memory.Research,
		OutputScopeKey: ModuleKey(module.Name),
		Model:          o.Model,
		Category:       "research.key_modules",
	}
	return o.Runner.Run(ctx, spec)
}

func (o *Orchestrator) runNamed(ctx context.Context, name string) (any, error) {
	spec, err := o.buildSpec(name)
	if err != nil {
		return nil, err
	}
	return o.Runner.Run(ctx, spec)
}

func (o *Orchestrator) buildSpec(name string) (agent.Spec, error) {
	preprocessDeps := []agent.Dependency{
		agent.MemoryEntry(memory.Preprocess, preprocess.KeyProjectStructure, "ProjectStructure", true, agent.FormatPlainText),
		agent.MemoryEntry(memory.Preprocess, preprocess.KeyCodeInsights, "CodeInsights", true, agent.FormatCodeInsights),
		agent.MemoryEntry(memory.Preprocess, preprocess.KeyRelationships, "Relationships", true, agent.FormatPlainText),
	}

	switch name {
	case "system_context":
		return agent.Spec{
			Name: name,
			Inputs: append([]agent.Dependency{
				agent.MemoryEntry(memory.Preprocess, preprocess.KeyOriginalDocument, "OriginalDocument", false, agent.FormatPlainText),
			}, preprocessDeps...),
			CallMode: agent.CallExtract,
			Extract: agent.ExtractConfig{
				Schema: agent.SystemContextReport{}.Schema(),
				New:    func() any { return &agent.SystemContextReport{} },
			},
			PromptTemplate: agent.PromptTemplate{
				System:  "You are establishing the high-level orientation section of an architecture document.",
				Opening: "Summarize the project's overall purpose, domain, and technology stack from the material below.",
				Closing: "Identify the primary entry point if one is evident.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeySystemContext,
			Model:          o.Model,
			Category:       "research.system_context",
		}, nil

	case "domain_modules":
		return agent.Spec{
			Name: name,
			Inputs: append([]agent.Dependency{
				agent.ResearchResult(KeySystemContext, "SystemContext", true, agent.FormatPlainText),
			}, preprocessDeps...),
			CallMode: agent.CallExtract,
			Extract: agent.ExtractConfig{
				Schema: agent.DomainModulesReport{}.Schema(),
				New:    func() any { return &agent.DomainModulesReport{} },
			},
			PromptTemplate: agent.PromptTemplate{
				System:  "You decompose a software project into its main functional/domain modules.",
				Opening: "Identify the project's distinct domain modules, each with a short description and its core files.",
				Closing: "Prefer 3-8 modules; merge closely related files rather than over-splitting.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeyDomainModules,
			Model:          o.Model,
			Category:       "research.domain_modules",
		}, nil

	case "architecture":
		return agent.Spec{
			Name: name,
			Inputs: []agent.Dependency{
				agent.ResearchResult(KeySystemContext, "SystemContext", true, agent.FormatPlainText),
				agent.ResearchResult(KeyDomainModules, "DomainModules", true, agent.FormatPlainText),
			},
			CallMode: agent.CallWithTools,
			Tools:    o.Tools,
			PromptTemplate: agent.PromptTemplate{
				System:  "You analyze a codebase's architecture, exploring the filesystem as needed via the available tools.",
				Opening: "Using the project context below, and the file-exploration tools available to you, describe the system's architecture.",
				Closing: "Explain major components, their responsibilities, and how they interact.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeyArchitecture,
			Model:          o.Model,
			Category:       "research.architecture",
		}, nil

	case "workflows":
		return agent.Spec{
			Name: name,
			Inputs: []agent.Dependency{
				agent.ResearchResult(KeySystemContext, "SystemContext", true, agent.FormatPlainText),
				agent.ResearchResult(KeyDomainModules, "DomainModules", true, agent.FormatPlainText),
			},
			CallMode: agent.CallExtract,
			Extract: agent.ExtractConfig{
				Schema: agent.WorkflowsReport{}.Schema(),
				New:    func() any { return &agent.WorkflowsReport{} },
			},
			PromptTemplate: agent.PromptTemplate{
				System:  "You identify the primary end-to-end workflows a request or task follows through this system.",
				Opening: "Describe the key workflows, each as a named sequence of steps across the modules identified.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeyWorkflows,
			Model:          o.Model,
			Category:       "research.workflows",
		}, nil

	case "boundaries":
		return agent.Spec{
			Name: name,
			Inputs: []agent.Dependency{
				agent.MemoryEntry(memory.Preprocess, preprocess.KeyCodeInsights, "CodeInsights", true, agent.FormatBoundaryInsights),
			},
			CallMode: agent.CallExtract,
			Extract: agent.ExtractConfig{
				Schema: agent.BoundariesReport{}.Schema(),
				New:    func() any { return &agent.BoundariesReport{} },
			},
			PromptTemplate: agent.PromptTemplate{
				System:  "You identify the external-facing boundaries of a software system: its entry points, APIs, routers, controllers, and configuration surface.",
				Opening: "From the code insights below (already filtered to entry/API/controller/router/config files), list each boundary and its purpose.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeyBoundaries,
			Model:          o.Model,
			Category:       "research.boundaries",
			PostProcess:    nil,
		}, nil

	case "database":
		return agent.Spec{
			Name: name,
			Inputs: []agent.Dependency{
				agent.MemoryEntry(memory.Preprocess, preprocess.KeyCodeInsights, "CodeInsights", true, agent.FormatCodeInsights),
			},
			CallMode: agent.CallExtract,
			Extract: agent.ExtractConfig{
				Schema: agent.DatabaseReport{}.Schema(),
				New:    func() any { return &agent.DatabaseReport{} },
			},
			PromptTemplate: agent.PromptTemplate{
				System:  "You describe the persistence/database layer of a software system from its code insights.",
				Opening: "Summarize the database technology and schema in use, naming any tables or collections evident from the material below.",
			},
			OutputScope:    memory.Research,
			OutputScopeKey: KeyDatabase,
			Model:          o.Model,
			Category:       "research.database",
		}, nil
	}

	return agent.Spec{}, fmt.Errorf("research: unknown agent %q", name)
}
