// Package agent implements the agent runtime: a declarative
// specification of one LLM-backed unit of work plus the seven-step
// lifecycle that resolves its inputs, prunes and formats them into a
// prompt, dispatches through the Provider Facade, and publishes the
// result back onto the blackboard.
package agent

import (
	"archdoc/internal/llm"
	"archdoc/internal/memory"
)

// DependencyKind tags which DataDependency variant a Dependency represents.
type DependencyKind int

const (
	// KindMemoryEntry reads scope:key directly off the blackboard. A
	// ResearchResult dependency is sugar for KindMemoryEntry against the
	// RESEARCH scope, constructed by the ResearchResult helper below.
	KindMemoryEntry DependencyKind = iota
	// KindKnowledgeCategory loads a knowledge-store category, filtered to
	// the owning agent's name as target_agent.
	KindKnowledgeCategory
)

// Formatter selects how a resolved dependency's value is rendered into
// prompt text.
type Formatter string

const (
	// FormatCodeInsights renders a []CodeInsight-shaped value as a
	// hierarchical summary grouped by purpose.
	FormatCodeInsights Formatter = "code_insights"
	// FormatDependencyGraph renders an edge-list-shaped value as an ordered
	// bullet tree.
	FormatDependencyGraph Formatter = "dependency_graph"
	// FormatSchema renders a flat object as a markdown table.
	FormatSchema Formatter = "schema"
	// FormatBoundaryInsights is FormatCodeInsights restricted to the
	// external-facing purposes (Entry, API, Controller, Router, Config).
	FormatBoundaryInsights Formatter = "boundary_insights"
	// FormatPlainText passes strings through unchanged and otherwise falls
	// back to indented JSON.
	FormatPlainText Formatter = "plain"
)

// Dependency is one input an agent declares before it runs.
type Dependency struct {
	Kind DependencyKind

	// Placeholder names this input in the prompt template's data map
	// (e.g. "DomainModules"); also used to label the input's rendered
	// block within the combined context.
	Placeholder string
	Required    bool
	Formatter   Formatter

	// Scope/Key address a KindMemoryEntry dependency.
	Scope memory.Scope
	Key   string

	// Category addresses a KindKnowledgeCategory dependency.
	Category string
}

// MemoryEntry declares a dependency on scope:key.
func MemoryEntry(scope memory.Scope, key, placeholder string, required bool, formatter Formatter) Dependency {
	return Dependency{
		Kind: KindMemoryEntry, Scope: scope, Key: key,
		Placeholder: placeholder, Required: required, Formatter: formatter,
	}
}

// ResearchResult is sugar for a memory entry under the RESEARCH scope, keyed
// by the producing agent's name.
func ResearchResult(agentName, placeholder string, required bool, formatter Formatter) Dependency {
	return MemoryEntry(memory.Research, agentName, placeholder, required, formatter)
}

// KnowledgeCategory declares a dependency loaded via the Knowledge Store,
// filtered to the owning agent's name.
func KnowledgeCategory(category, placeholder string) Dependency {
	return Dependency{
		Kind: KindKnowledgeCategory, Category: category,
		Placeholder: placeholder, Required: false, Formatter: FormatPlainText,
	}
}

// CallMode selects how step 5 dispatches through the Provider Facade.
type CallMode int

const (
	CallPlain CallMode = iota
	CallExtract
	CallWithTools
)

// ExtractConfig configures CallExtract: the JSON schema the response must
// satisfy and a constructor for a fresh pointer to decode into.
type ExtractConfig struct {
	Schema map[string]any
	New    func() any
}

// ToolsConfig configures CallWithTools: the callable tool surface, its
// dispatcher, and the reasoning-loop's iteration policy.
type ToolsConfig struct {
	Tools      []llm.ToolSchema
	Dispatcher llm.ToolDispatcher
	Loop       llm.ToolLoopConfig
}

// PromptTemplate is an agent's three-part prompt: a persona+task system
// prompt, an opening section of per-agent instructions,
// and a closing section of format requirements. Each is a text/template
// string; the data available at execution time is described in
// lifecycle.go's templateData.
type PromptTemplate struct {
	System  string
	Opening string
	Closing string
}

// PostProcessFunc validates or reacts to an agent's stored result; a
// non-nil error is fatal to the agent.
type PostProcessFunc func(result any) error

// Spec declares one agent: its inputs, call mode, prompt, and output slot.
type Spec struct {
	Name   string
	Inputs []Dependency

	CallMode CallMode
	Extract  ExtractConfig
	Tools    ToolsConfig

	PromptTemplate PromptTemplate

	OutputScope    memory.Scope
	OutputScopeKey string

	Model llm.ModelConfig
	// Category names the cache/compression category this agent's calls are
	// recorded under; defaults to Name if empty.
	Category string

	PostProcess PostProcessFunc
}

func (s Spec) category() string {
	if s.Category != "" {
		return s.Category
	}
	return s.Name
}
