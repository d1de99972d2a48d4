// Package ingest acquires observations from a prioritised chain of sources:
// the local time series store, a remote forecast provider and a deterministic
// synthetic generator.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/agroclima/quillota/internal/models"
)

// ErrNoData marks an empty window; the orchestrator falls through to the next
// adapter in the chain.
var ErrNoData = errors.New("no records in window")

// AdapterResult is the uniform return shape of every adapter. Failures are
// encoded in Err, never raised across the boundary.
type AdapterResult struct {
	Records []models.Observation
	Err     error
	Latency time.Duration
}

type Adapter interface {
	Name() string
	Fetch(ctx context.Context, stationID string, start, end time.Time) AdapterResult
}

// transientError wraps retryable I/O failures so the orchestrator can
// distinguish them from authoritative rejections.
type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func Transient(err error) error { return &transientError{err: err} }

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
