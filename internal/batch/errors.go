package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLimit indicates a concurrency limit below one
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")

	// ErrNoDrivers indicates an engine without any mount driver
	ErrNoDrivers = errors.New("no mount drivers registered")

	// ErrPartialBatch matches every *PartialBatchFailure via errors.Is
	ErrPartialBatch = errors.New("batch partially failed")

	// ErrCancelled is recorded for jobs that were never dispatched
	ErrCancelled = errors.New("job cancelled before dispatch")
)

// PartialBatchFailure lists the jobs of a batch that did not commit.
type PartialBatchFailure struct {
	Total  int
	Failed []Entry
}

func (e *PartialBatchFailure) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = fmt.Sprintf("%s: %s", f.Label, f.FinalState)
	}
	return fmt.Sprintf("%d of %d images not committed (%s)", len(e.Failed), e.Total, strings.Join(parts, ", "))
}

// Unwrap exposes the per-job errors to errors.Is and errors.As.
func (e *PartialBatchFailure) Unwrap() []error {
	var errs []error
	for _, f := range e.Failed {
		if f.Error != nil {
			errs = append(errs, f.Error)
		}
	}
	return errs
}

func (e *PartialBatchFailure) Is(target error) bool {
	return target == ErrPartialBatch
}
