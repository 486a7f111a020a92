// Package fanout runs a set of independent units of work with bounded
// parallelism, the shape shared by the three places the pipeline fans work
// out: key-module research, compose-stage module pages, and any other
// bulk per-item LLM call.
package fanout

import (
	"context"
	"sync"
)

// Run invokes fn once per item in items, running at most limit calls
// concurrently (a limit <= 0 is normalized to 1, i.e. sequential). It
// returns one result and one error slot per item, in input order. Run
// keeps running the remaining items to completion even after an error, so
// results for unaffected items are still populated — a failed sibling in a
// fan-out must not take down its peers.
func Run[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) ([]R, []error) {
	if limit <= 0 {
		limit = 1
	}
	results := make([]R, len(items))
	errs := make([]error, len(items))

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			r, err := fn(ctx, item)
			results[i] = r
			errs[i] = err
		}(i, item)
	}
	wg.Wait()
	return results, errs
}

// FirstError returns the first non-nil error in errs, or nil if all items
// succeeded.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
