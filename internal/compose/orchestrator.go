// Package compose implements the compose orchestrator: the strictly
// sequential pass over the research findings that produces the final
// DocTree, mixing LLM-driven editors with deterministic formatting of the
// research reports that need no further synthesis.
package compose

import (
	"context"
	"fmt"
	"strings"

	"archdoc/internal/agent"
	"archdoc/internal/fanout"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/observability"
	"archdoc/internal/research"
)

// DocTree maps a logical section name to its rendered markdown.
type DocTree map[string]string

// Section names, mirroring the DOCUMENTATION scope keys this stage writes.
const (
	SectionOverview     = "overview"
	SectionArchitecture = "architecture"
	SectionWorkflows    = "workflows"
	SectionBoundaries   = "boundaries"
	SectionDatabase     = "database"
)

// ModuleSection builds the DocTree/DOCUMENTATION key for one key_modules page.
func ModuleSection(name string) string { return "key_modules/" + name }

// Status is one section's outcome.
type Status string

const (
	StatusSucceeded Status = "success"
	StatusFailed    Status = "failed"
)

// SectionOutcome is recorded per DocTree section for the pipeline's summary.
type SectionOutcome struct {
	Status Status
	Err    error
}

// Report summarizes one Compose Orchestrator run.
type Report struct {
	Sections map[string]SectionOutcome
}

// Orchestrator runs the fixed compose sequence against a shared Agent Runner.
type Orchestrator struct {
	Runner       *agent.Runner
	Memory       *memory.Memory
	Model        llm.ModelConfig
	MaxParallels int
}

// New constructs an Orchestrator.
func New(runner *agent.Runner, mem *memory.Memory, model llm.ModelConfig, maxParallels int) *Orchestrator {
	return &Orchestrator{Runner: runner, Memory: mem, Model: model, MaxParallels: maxParallels}
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

// editorClosing is the shared closing instruction every LLM editor's
// PromptTemplate carries, mandating the C4-style format and at least one
// Mermaid diagram.
const editorClosing = "Format the section as C4-style architectural documentation in Markdown. Include at least one Mermaid diagram (a ```mermaid code block) illustrating the structure or flow described."

// Run produces a DocTree in strict sequential order: overview, architecture,
// workflows, key_modules (fanned out under the same semaphore discipline as
// research), boundaries, database. Individual editor failures render a
// placeholder section and are recorded in Report, but never abort the stage.
func (o *Orchestrator) Run(ctx context.Context) (DocTree, Report, error) {
	ctx, span := observability.StartSpan(ctx, "compose.run")
	defer span.End()
	logger := observability.LoggerWithTrace(ctx)

	tree := DocTree{}
	report := Report{Sections: map[string]SectionOutcome{}}

	runEditor := func(title, section string, spec agent.Spec) {
		result, err := o.Runner.Run(ctx, spec)
		if err != nil {
			logger.Warn().Err(err).Str("section", section).Msg("compose: editor failed, rendering placeholder")
			tree[section] = placeholderMarkdown(title, err)
			report.Sections[section] = SectionOutcome{Status: StatusFailed, Err: err}
			return
		}
		text, _ := result.(string)
		tree[section] = text
		report.Sections[section] = SectionOutcome{Status: StatusSucceeded}
	}

	runEditor("Overview", SectionOverview, o.overviewSpec())
	runEditor("Architecture", SectionArchitecture, o.architectureSpec())
	runEditor("Workflows", SectionWorkflows, o.workflowsSpec())

	var modules []string
	if found, err := o.Memory.Get(memory.Research, research.KeyModuleIndex, &modules); err != nil {
		return tree, report, fmt.Errorf("compose: read key_modules index: %w", err)
	} else if found && len(modules) > 0 {
		results, errs := fanout.Run(ctx, o.limit(len(modules)), modules, func(ctx context.Context, name string) (string, error) {
			result, err := o.Runner.Run(ctx, o.keyModuleSpec(name))
			if err != nil {
				return "", err
			}
			text, _ := result.(string)
			return text, nil
		})
		for i, name := range modules {
			section := ModuleSection(name)
			if errs[i] != nil {
				logger.Warn().Err(errs[i]).Str("module", name).Msg("compose: key_modules editor failed, rendering placeholder")
				tree[section] = placeholderMarkdown("Key Module: "+name, errs[i])
				report.Sections[section] = SectionOutcome{Status: StatusFailed, Err: errs[i]}
				continue
			}
			tree[section] = results[i]
			report.Sections[section] = SectionOutcome{Status: StatusSucceeded}
		}
	}

	o.runBoundaries(tree, report)
	o.runDatabase(tree, report)

	return tree, report, nil
}

// runBoundaries is a deterministic editor: no LLM call, just markdown
// formatting of the boundaries research report.
func (o *Orchestrator) runBoundaries(tree DocTree, report Report) {
	var br agent.BoundariesReport
	found, err := o.Memory.Get(memory.Research, research.KeyBoundaries, &br)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("research boundaries report not available")
		}
		tree[SectionBoundaries] = placeholderMarkdown("Boundaries", err)
		report.Sections[SectionBoundaries] = SectionOutcome{Status: StatusFailed, Err: err}
		return
	}
	tree[SectionBoundaries] = renderBoundaries(br)
	report.Sections[SectionBoundaries] = SectionOutcome{Status: StatusSucceeded}
}

// runDatabase is a deterministic editor that only runs (and only appears in
// the DocTree at all) when the research database agent actually ran.
func (o *Orchestrator) runDatabase(tree DocTree, report Report) {
	if !o.Memory.Has(memory.Research, research.KeyDatabase) {
		return
	}
	var db agent.DatabaseReport
	found, err := o.Memory.Get(memory.Research, research.KeyDatabase, &db)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("research database report not available")
		}
		tree[SectionDatabase] = placeholderMarkdown("Database", err)
		report.Sections[SectionDatabase] = SectionOutcome{Status: StatusFailed, Err: err}
		return
	}
	tree[SectionDatabase] = renderDatabase(db)
	report.Sections[SectionDatabase] = SectionOutcome{Status: StatusSucceeded}
}

func (o *Orchestrator) overviewSpec() agent.Spec {
	return agent.Spec{
		Name: "compose:overview",
		Inputs: []agent.Dependency{
			agent.ResearchResult(research.KeySystemContext, "SystemContext", true, agent.FormatPlainText),
			agent.ResearchResult(research.KeyDomainModules, "DomainModules", true, agent.FormatPlainText),
		},
		CallMode: agent.CallPlain,
		PromptTemplate: agent.PromptTemplate{
			System:  "You write the overview section of an architecture document for a software project.",
			Opening: "Using the system context and domain module breakdown below, write a concise project overview.",
			Closing: editorClosing,
		},
		OutputScope:    memory.Documentation,
		OutputScopeKey: SectionOverview,
		Model:          o.Model,
		Category:       "compose.overview",
	}
}

func (o *Orchestrator) architectureSpec() agent.Spec {
	return agent.Spec{
		Name: "compose:architecture",
		Inputs: []agent.Dependency{
			agent.ResearchResult(research.KeyArchitecture, "Architecture", true, agent.FormatPlainText),
			agent.ResearchResult(research.KeyDomainModules, "DomainModules", true, agent.FormatPlainText),
		},
		CallMode: agent.CallPlain,
		PromptTemplate: agent.PromptTemplate{
			System:  "You write the architecture section of an architecture document for a software project.",
			Opening: "Using the architecture analysis and domain module breakdown below, write the architecture section.",
			Closing: editorClosing,
		},
		OutputScope:    memory.Documentation,
		OutputScopeKey: SectionArchitecture,
		Model:          o.Model,
		Category:       "compose.architecture",
	}
}

func (o *Orchestrator) workflowsSpec() agent.Spec {
	return agent.Spec{
		Name: "compose:workflows",
		Inputs: []agent.Dependency{
			agent.ResearchResult(research.KeyWorkflows, "Workflows", true, agent.FormatPlainText),
		},
		CallMode: agent.CallPlain,
		PromptTemplate: agent.PromptTemplate{
			System:  "You write the workflows section of an architecture document for a software project.",
			Opening: "Using the workflow analysis below, describe each end-to-end workflow through the system.",
			Closing: editorClosing,
		},
		OutputScope:    memory.Documentation,
		OutputScopeKey: SectionWorkflows,
		Model:          o.Model,
		Category:       "compose.workflows",
	}
}

func (o *Orchestrator) keyModuleSpec(name string) agent.Spec {
	return agent.Spec{
		Name: "compose:key_modules:" + name,
		Inputs: []agent.Dependency{
			agent.ResearchResult(research.ModuleKey(name), "KeyModule", true, agent.FormatPlainText),
		},
		CallMode: agent.CallPlain,
		PromptTemplate: agent.PromptTemplate{
			System:  "You write one module's page in an architecture document.",
			Opening: fmt.Sprintf("Module: %s\n\nUsing the module research below, write its documentation page.", name),
			Closing: editorClosing,
		},
		OutputScope:    memory.Documentation,
		OutputScopeKey: ModuleSection(name),
		Model:          o.Model,
		Category:       "compose.key_modules",
	}
}

func placeholderMarkdown(title string, err error) string {
	return fmt.Sprintf("# %s\n\n_This section could not be generated: %s._\n", title, err)
}

func renderBoundaries(br agent.BoundariesReport) string {
	var sb strings.Builder
	sb.WriteString("# Boundaries\n\n")
	sb.WriteString("| Path | Purpose | Description |\n|---|---|---|\n")
	for _, e := range br.EntryPoints {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", e.Path, e.Purpose, e.Description)
	}
	return sb.String()
}

func renderDatabase(db agent.DatabaseReport) string {
	var sb strings.Builder
	sb.WriteString("# Database\n\n")
	sb.WriteString(db.Summary)
	sb.WriteString("\n")
	if len(db.Tables) > 0 {
		sb.WriteString("\n## Tables\n\n")
		for _, table := range db.Tables {
			fmt.Fprintf(&sb, "- %s\n", table)
		}
	}
	return sb.String()
}
