package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencedJSONPattern matches a ```json ... ``` or bare ``` ... ``` fenced
// code block.
var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// firstJSONValuePattern is a permissive fallback that grabs the first
// top-level brace-or-bracket-delimited value in a body, for models that
// wrap valid JSON in prose without a code fence.
var firstJSONValuePattern = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)

// parseJSONValue runs the multi-strategy parse pipeline against body,
// trying each strategy in order and returning the first one
// that both parses and satisfies schema's required top-level fields (schema
// may be nil, in which case only parse success is required).
func parseJSONValue(body string, schema map[string]any, out any) error {
	strategies := []func(string) (json.RawMessage, bool){
		extractFencedJSON,
		extractRawJSON,
		extractFirstJSONValue,
	}

	var lastErr error
	for _, strategy := range strategies {
		raw, ok := strategy(body)
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			lastErr = err
			continue
		}
		if err := validateRequired(raw, schema); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON value found in response body")
	}
	return lastErr
}

func extractFencedJSON(body string) (json.RawMessage, bool) {
	m := fencedJSONPattern.FindStringSubmatch(body)
	if len(m) < 2 {
		return nil, false
	}
	return json.RawMessage(strings.TrimSpace(m[1])), true
}

func extractRawJSON(body string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

func extractFirstJSONValue(body string) (json.RawMessage, bool) {
	m := firstJSONValuePattern.FindString(body)
	if m == "" {
		return nil, false
	}
	return json.RawMessage(m), true
}

// validateRequired checks that every name listed in schema["required"] is
// present as a top-level key of a JSON object value. Schemas are plain
// map[string]any throughout, so this works on both hand-built schemas
// ([]string required lists) and JSON-decoded ones ([]any).
func validateRequired(raw json.RawMessage, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	requiredRaw, ok := schema["required"]
	if !ok {
		return nil
	}
	required, ok := requiredRaw.([]string)
	if !ok {
		if asAny, ok := requiredRaw.([]any); ok {
			for _, r := range asAny {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	if len(required) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("schema validation: expected JSON object: %w", err)
	}
	var missing []string
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema validation: missing required fields %v", missing)
	}
	return nil
}
