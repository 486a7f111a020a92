package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"archdoc/internal/preprocess"
)

// renderValue renders a resolved dependency's generic JSON value (decoded
// into a map[string]any/[]any/string/etc, never into a concrete Go struct —
// the agent runtime has no compile-time knowledge of research/preprocess
// report shapes) per the formatter named on the Dependency.
func renderValue(formatter Formatter, v any) string {
	if v == nil {
		return ""
	}
	switch formatter {
	case FormatCodeInsights:
		return renderCodeInsights(v)
	case FormatBoundaryInsights:
		return renderCodeInsights(filterBoundaryInsights(v))
	case FormatDependencyGraph:
		return renderDependencyGraph(v)
	case FormatSchema:
		return renderSchema(v)
	default:
		return renderPlainText(v)
	}
}

// renderCodeInsights expects a []any of objects carrying at least "path"
// and "purpose" fields, and renders a hierarchical summary grouped by
// purpose.
func renderCodeInsights(v any) string {
	items, ok := v.([]any)
	if !ok {
		return renderPlainText(v)
	}
	groups := map[string][]string{}
	var order []string
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		purpose := stringField(m, "purpose", "unclassified")
		path := stringField(m, "path", "")
		summary := stringField(m, "summary", "")
		if _, seen := groups[purpose]; !seen {
			order = append(order, purpose)
		}
		line := path
		if summary != "" {
			line = fmt.Sprintf("%s — %s", path, summary)
		}
		groups[purpose] = append(groups[purpose], line)
	}
	sort.Strings(order)
	var sb strings.Builder
	for _, purpose := range order {
		fmt.Fprintf(&sb, "- %s\n", purpose)
		for _, line := range groups[purpose] {
			fmt.Fprintf(&sb, "  - %s\n", line)
		}
	}
	return sb.String()
}

// filterBoundaryInsights keeps only the insights whose purpose is in the
// external-facing set the boundaries analysis is scoped to.
func filterBoundaryInsights(v any) any {
	items, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if preprocess.EntryPurposes[preprocess.Purpose(stringField(m, "purpose", ""))] {
			out = append(out, it)
		}
	}
	return out
}

// renderDependencyGraph expects either a map[string][]any (node -> edges)
// or a []any of {"from","to"} objects, rendered as an ordered bullet tree.
func renderDependencyGraph(v any) string {
	var sb strings.Builder
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s\n", k)
			edges, _ := t[k].([]any)
			for _, e := range edges {
				fmt.Fprintf(&sb, "  - %v\n", e)
			}
		}
	case []any:
		for _, it := range t {
			m, ok := it.(map[string]any)
			if !ok {
				fmt.Fprintf(&sb, "- %v\n", it)
				continue
			}
			fmt.Fprintf(&sb, "- %s -> %s\n", stringField(m, "from", "?"), stringField(m, "to", "?"))
		}
	default:
		return renderPlainText(v)
	}
	return sb.String()
}

// renderSchema expects a flat map[string]any and renders it as a two-column
// markdown table.
func renderSchema(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return renderPlainText(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("| field | value |\n|---|---|\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "| %s | %v |\n", k, m[k])
	}
	return sb.String()
}

// renderPlainText passes strings through unchanged; anything else is
// rendered as indented JSON.
func renderPlainText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}
