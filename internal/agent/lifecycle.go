package agent

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"archdoc/internal/config"
	"archdoc/internal/knowledge"
	"archdoc/internal/llm"
	"archdoc/internal/memory"
	"archdoc/internal/util"
)

// KnowledgeStore is the subset of *knowledge.Store a Runner depends on, so
// tests can substitute a fake.
type KnowledgeStore interface {
	LoadFor(category, targetAgent string) ([]knowledge.Chunk, error)
	LastSynced() time.Time
}

// Runner executes the Agent Runtime's seven-step lifecycle against a shared
// blackboard, knowledge store, and provider facade.
type Runner struct {
	Memory      *memory.Memory
	Knowledge   KnowledgeStore
	Facade      *llm.Facade
	Compression config.CompressionConfig

	// Localization is the pipeline's localization directive string. It is
	// exposed to prompt templates as {{.Localization}}; a prompt whose
	// templates do not reference that key does not contain it.
	Localization string
}

// resolvedInput is one dependency after step 1 (resolve) and step 2
// (format): its rendered text, ready for pruning and prompt assembly.
type resolvedInput struct {
	placeholder string
	text        string
}

// Run executes spec's full lifecycle: resolve, format, prune, build prompt,
// invoke, store, post-process.
func (r *Runner) Run(ctx context.Context, spec Spec) (any, error) {
	inputs, err := r.resolveInputs(ctx, spec)
	if err != nil {
		return nil, err
	}

	contextText, err := r.pruneContext(ctx, spec, inputs)
	if err != nil {
		return nil, err
	}

	data := r.templateData(spec, inputs, contextText)
	sysText, err := renderTemplate(spec.PromptTemplate.System, data)
	if err != nil {
		return nil, fmt.Errorf("agent %s: render system template: %w", spec.Name, err)
	}
	openingText, err := renderTemplate(spec.PromptTemplate.Opening, data)
	if err != nil {
		return nil, fmt.Errorf("agent %s: render opening template: %w", spec.Name, err)
	}
	closingText, err := renderTemplate(spec.PromptTemplate.Closing, data)
	if err != nil {
		return nil, fmt.Errorf("agent %s: render closing template: %w", spec.Name, err)
	}
	userText := strings.TrimSpace(strings.Join([]string{openingText, contextText, closingText}, "\n\n"))

	result, err := r.invoke(ctx, spec, sysText, userText)
	if err != nil {
		return nil, err
	}

	// Downstream readers (other agents' dependencies, compose editors)
	// expect plain text or a schema-shaped value regardless of which call
	// mode produced it; a tool-augmented call's transcript bookkeeping
	// (ToolCallCount) is not blackboard-worthy, so only its answer text is
	// published.
	stored := result
	if tc, ok := result.(llm.ToolCallResult); ok {
		stored = tc.Text
	}
	if err := r.Memory.Store(spec.OutputScope, spec.OutputScopeKey, stored); err != nil {
		return nil, fmt.Errorf("agent %s: store result: %w", spec.Name, err)
	}

	if spec.PostProcess != nil {
		if err := spec.PostProcess(result); err != nil {
			return nil, fmt.Errorf("agent %s: post-process: %w", spec.Name, err)
		}
	}

	return result, nil
}

// resolveInputs is lifecycle step 1 (resolve) and step 2 (format) combined:
// each dependency is fetched from the blackboard or knowledge store and
// immediately rendered by its formatter, so later steps work with plain
// text blocks.
func (r *Runner) resolveInputs(ctx context.Context, spec Spec) ([]resolvedInput, error) {
	out := make([]resolvedInput, 0, len(spec.Inputs))
	for _, dep := range spec.Inputs {
		switch dep.Kind {
		case KindMemoryEntry:
			var raw any
			found, err := r.Memory.Get(dep.Scope, dep.Key, &raw)
			if err != nil {
				return nil, fmt.Errorf("agent %s: read %s:%s: %w", spec.Name, dep.Scope, dep.Key, err)
			}
			if !found {
				if dep.Required {
					return nil, &DependencyMissing{Scope: dep.Scope, Key: dep.Key, Placeholder: dep.Placeholder}
				}
				out = append(out, resolvedInput{placeholder: dep.Placeholder, text: ""})
				continue
			}
			out = append(out, resolvedInput{placeholder: dep.Placeholder, text: renderValue(dep.Formatter, raw)})

		case KindKnowledgeCategory:
			if r.Knowledge == nil {
				out = append(out, resolvedInput{placeholder: dep.Placeholder, text: ""})
				continue
			}
			chunks, err := r.Knowledge.LoadFor(dep.Category, spec.Name)
			if err != nil {
				return nil, fmt.Errorf("agent %s: load knowledge category %q: %w", spec.Name, dep.Category, err)
			}
			if len(chunks) == 0 {
				if dep.Required {
					return nil, &DependencyMissing{Placeholder: dep.Placeholder}
				}
				out = append(out, resolvedInput{placeholder: dep.Placeholder, text: ""})
				continue
			}
			out = append(out, resolvedInput{
				placeholder: dep.Placeholder,
				text:        formatKnowledge(dep.Category, r.Knowledge.LastSynced(), chunks),
			})
		}
	}
	return out, nil
}

// knowledgeDelimiter separates documents within one rendered knowledge
// block.
const knowledgeDelimiter = "\n---\n"

// formatKnowledge renders a knowledge category's chunks with a header
// giving the category name, last-sync timestamp, and document count, each
// chunk separated by knowledgeDelimiter.
func formatKnowledge(category string, lastSynced time.Time, chunks []knowledge.Chunk) string {
	docs := map[string]bool{}
	for _, c := range chunks {
		docs[c.Path] = true
	}
	synced := "never"
	if !lastSynced.IsZero() {
		synced = lastSynced.UTC().Format(time.RFC3339)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Knowledge: %s (last synced %s, %d documents)\n", category, synced, len(docs))
	for _, c := range chunks {
		sb.WriteString(knowledgeDelimiter)
		fmt.Fprintf(&sb, "#### %s (chunk %d)\n%s\n", c.Path, c.Index, c.Text)
	}
	return sb.String()
}

// pruneContext is lifecycle step 3: join the resolved inputs, estimate
// total tokens, and invoke the compressor if the soft ceiling is exceeded;
// abort with ContextTooLarge if the hard ceiling is still exceeded after
// compression.
func (r *Runner) pruneContext(ctx context.Context, spec Spec, inputs []resolvedInput) (string, error) {
	joined := joinBlocks(inputs)

	soft := r.Compression.ThresholdTokens
	if soft <= 0 {
		soft = 64_000
	}
	hard := r.Compression.HardCeilingTokens
	if hard <= 0 {
		hard = 150_000
	}

	if util.EstimateTokens(joined) <= soft {
		return joined, nil
	}

	compressed, err := r.compress(ctx, spec, joined)
	if err != nil {
		return "", fmt.Errorf("agent %s: compress context: %w", spec.Name, err)
	}

	if tokens := util.EstimateTokens(compressed); tokens > hard {
		return "", &ContextTooLarge{EstimatedTokens: tokens, Ceiling: hard}
	}
	return compressed, nil
}

// compress invokes a dedicated LLM call under the "compression" category,
// instructed to preserve the configured syntactic elements. Like any other
// Facade.Complete call, its result is transparently cache-backed.
func (r *Runner) compress(ctx context.Context, spec Spec, text string) (string, error) {
	preserve := "function signatures, type definitions, imports, interfaces, error-handling patterns, and configuration"
	if len(r.Compression.PreservePatterns) > 0 {
		preserve = strings.Join(r.Compression.PreservePatterns, ", ")
	}
	sys := "You compress source-derived context for downstream LLM prompts. " +
		"Preserve these elements verbatim wherever present: " + preserve + ". " +
		"Remove redundant prose and repeated boilerplate. Respond with only the compressed text."
	cfg := llm.ModelConfig{Primary: spec.Model.Primary, Fallback: spec.Model.Fallback, Temperature: 0}
	return r.Facade.Complete(ctx, "compression", sys, text, cfg)
}

// invoke is lifecycle step 5 (plus step 6, storing into the return value):
// dispatch through the Provider Facade according to spec.CallMode.
func (r *Runner) invoke(ctx context.Context, spec Spec, sys, user string) (any, error) {
	switch spec.CallMode {
	case CallExtract:
		out := spec.Extract.New()
		if err := r.Facade.Extract(ctx, spec.category(), sys, user, spec.Extract.Schema, out, spec.Model); err != nil {
			return nil, err
		}
		return out, nil

	case CallWithTools:
		result, err := r.Facade.CompleteWithTools(ctx, spec.category(), sys, user,
			spec.Tools.Tools, spec.Tools.Dispatcher, spec.Model, spec.Tools.Loop)
		if err != nil {
			return nil, err
		}
		return result, nil

	default: // CallPlain
		text, err := r.Facade.Complete(ctx, spec.category(), sys, user, spec.Model)
		if err != nil {
			return nil, err
		}
		return text, nil
	}
}

func (r *Runner) templateData(spec Spec, inputs []resolvedInput, contextText string) map[string]string {
	data := map[string]string{
		"Localization": r.Localization,
		"Timestamp":    time.Now().UTC().Format(time.RFC3339),
		"Context":      contextText,
	}
	for _, in := range inputs {
		if in.placeholder != "" {
			data[in.placeholder] = in.text
		}
	}
	return data
}

func joinBlocks(inputs []resolvedInput) string {
	var sb strings.Builder
	for _, in := range inputs {
		if in.text == "" {
			continue
		}
		if in.placeholder != "" {
			fmt.Fprintf(&sb, "### %s\n%s\n\n", in.placeholder, in.text)
		} else {
			fmt.Fprintf(&sb, "%s\n\n", in.text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// renderTemplate executes tmplStr as a text/template against data; an empty
// tmplStr renders to an empty string without error.
func renderTemplate(tmplStr string, data map[string]string) (string, error) {
	if strings.TrimSpace(tmplStr) == "" {
		return "", nil
	}
	t, err := template.New("agent-prompt").Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
