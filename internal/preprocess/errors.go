package preprocess

import "fmt"

// ContextTooLarge mirrors agent.ContextTooLarge for the step-5 aggregate
// relationship extraction: the joined code-insight text still exceeds the
// hard ceiling after compression.
type ContextTooLarge struct {
	EstimatedTokens int
	Ceiling         int
}

func (e *ContextTooLarge) Error() string {
	return fmt.Sprintf("preprocess: relationship context too large: %d tokens exceeds ceiling %d", e.EstimatedTokens, e.Ceiling)
}
