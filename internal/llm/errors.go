package llm

import "fmt"

// ProviderTransient covers timeouts, 5xx, and provider-defined rate-limit
// kinds: retried with backoff, escalated once retries are exhausted.
type ProviderTransient struct{ Err error }

func (e *ProviderTransient) Error() string { return fmt.Sprintf("provider transient error: %v", e.Err) }
func (e *ProviderTransient) Unwrap() error { return e.Err }

// ProviderPermanent covers 4xx (non-rate-limit) and authentication
// failures: escalated immediately, never retried.
type ProviderPermanent struct{ Err error }

func (e *ProviderPermanent) Error() string { return fmt.Sprintf("provider permanent error: %v", e.Err) }
func (e *ProviderPermanent) Unwrap() error { return e.Err }

// ExtractionInvalid means schema validation failed after max_retries on
// both the primary and (if attempted) the fallback model.
type ExtractionInvalid struct {
	Model string
	Err   error
}

func (e *ExtractionInvalid) Error() string {
	return fmt.Sprintf("extraction invalid for model %s: %v", e.Model, e.Err)
}
func (e *ExtractionInvalid) Unwrap() error { return e.Err }

// MaxDepthExceeded means the reasoning loop hit max_iterations with no
// summarizer configured and return_partial_on_max_depth is false.
type MaxDepthExceeded struct{ Iterations int }

func (e *MaxDepthExceeded) Error() string {
	return fmt.Sprintf("reasoning loop exceeded max_iterations=%d with no summarizer", e.Iterations)
}

// ToolError wraps a failed tool invocation; it is surfaced to the reasoning
// loop as a tool result so the model can recover, not necessarily fatal.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Cancelled is returned when a suspension point observes ctx.Done().
type Cancelled struct{}

func (e *Cancelled) Error() string { return "operation cancelled" }
