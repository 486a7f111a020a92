package agent

import (
	"fmt"

	"archdoc/internal/memory"
)

// DependencyMissing is returned when a required dependency is absent from
// the blackboard or knowledge store. Fatal for the agent; the orchestrator
// decides whether it is fatal for the stage.
type DependencyMissing struct {
	Scope       memory.Scope
	Key         string
	Placeholder string
}

func (e *DependencyMissing) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("agent: required dependency %s (%s:%s) missing", e.Placeholder, e.Scope, e.Key)
	}
	return fmt.Sprintf("agent: required dependency %s missing", e.Placeholder)
}

// ContextTooLarge is returned when the built prompt still exceeds the
// configured hard ceiling after compression.
type ContextTooLarge struct {
	EstimatedTokens int
	Ceiling         int
}

func (e *ContextTooLarge) Error() string {
	return fmt.Sprintf("agent: prompt estimated at %d tokens exceeds hard ceiling %d after compression",
		e.EstimatedTokens, e.Ceiling)
}
