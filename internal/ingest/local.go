package ingest

import (
	"context"
	"time"

	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/store"
)

// LocalAdapter reads previously persisted observations from the store.
type LocalAdapter struct {
	store *store.Store
}

func NewLocalAdapter(st *store.Store) *LocalAdapter {
	return &LocalAdapter{store: st}
}

func (a *LocalAdapter) Name() string { return "local" }

func (a *LocalAdapter) Fetch(ctx context.Context, stationID string, start, end time.Time) AdapterResult {
	began := time.Now()
	records, err := a.store.Range(ctx, stationID, start, end)
	latency := time.Since(began)

	status := "ok"
	if err != nil {
		status = "error"
	} else if len(records) == 0 {
		status = "empty"
		err = ErrNoData
	}
	metrics.AdapterCallsTotal.WithLabelValues(a.Name(), stationID, status).Inc()
	metrics.AdapterLatency.WithLabelValues(a.Name(), stationID).Observe(latency.Seconds())

	return AdapterResult{Records: records, Err: err, Latency: latency}
}
