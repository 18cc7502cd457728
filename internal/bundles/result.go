package bundles

import (
	"fmt"

	"github.com/bundlesdev/bundles/internal/bundle"
	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/logging"
)

// Result is the outcome of running a set of bundles. Success is true iff
// every bundle that was not skipped is valid and succeeded.
type Result struct {
	Success bool
	Bundles []*bundle.Bundle
	Errors  []error
}

func newResult(entries []*entry) *Result {
	res := &Result{Success: true}
	for _, e := range entries {
		if e.err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Errorf("bundle %s: %w", e.id, e.err))
			continue
		}

		b := e.bundle
		res.Bundles = append(res.Bundles, b)
		if b.Status() == bundler.StatusSkipped {
			continue
		}
		if !b.Valid() || !b.Success() {
			res.Success = false
		}
		res.Errors = append(res.Errors, b.Errors()...)
	}
	return res
}

// Bundle returns the bundle with the given id, or nil.
func (res *Result) Bundle(id string) *bundle.Bundle {
	for _, b := range res.Bundles {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Report logs the errors and the aggregate outcome.
func (res *Result) Report(log *logging.Logger) {
	switch n := len(res.Errors); {
	case n == 1:
		log.Errorf("There was an error...")
	case n > 1:
		log.Errorf("There were %d errors...", n)
	}
	for _, err := range res.Errors {
		log.Errorf("%v", err)
	}

	switch {
	case !res.Success:
		log.Infof("[!!] Failed. Check errors.")
	case len(res.Errors) > 0:
		log.Infof("[ok] Success with %d error(s).", len(res.Errors))
	default:
		log.Infof("[ok] Success!")
	}
}
