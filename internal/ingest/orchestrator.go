package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/quality"
	"github.com/agroclima/quillota/internal/registry"
	"github.com/agroclima/quillota/internal/store"
)

const maxWorkers = 8

// Orchestrator walks the adapter chain for a window of observations:
// sufficient local data short-circuits, a remote fetch is persisted and
// merged, and synthetic generation is the loudly-logged last resort.
type Orchestrator struct {
	registry  *registry.Registry
	store     *store.Store
	local     *LocalAdapter
	remote    *RemoteAdapter
	synthetic *SyntheticAdapter

	cadence         time.Duration
	coveragePct     float64
	requiredQuality int
	stationBudget   time.Duration
	cleanStrategy   quality.Strategy
}

type OrchestratorConfig struct {
	Cadence         time.Duration
	CoveragePct     float64
	RequiredQuality int
	StationBudget   time.Duration
	CleanStrategy   quality.Strategy
}

func NewOrchestrator(reg *registry.Registry, st *store.Store, remote *RemoteAdapter, synthetic *SyntheticAdapter, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Hour
	}
	if cfg.CoveragePct <= 0 {
		cfg.CoveragePct = 90
	}
	if cfg.StationBudget <= 0 {
		cfg.StationBudget = 15 * time.Second
	}
	return &Orchestrator{
		registry:        reg,
		store:           st,
		local:           NewLocalAdapter(st),
		remote:          remote,
		synthetic:       synthetic,
		cadence:         cfg.Cadence,
		coveragePct:     cfg.CoveragePct,
		requiredQuality: cfg.RequiredQuality,
		stationBudget:   cfg.StationBudget,
		cleanStrategy:   cfg.CleanStrategy,
	}
}

// Acquire returns observations for the window, walking the fallback chain.
// It fails only when the station is unknown; everything else degrades.
func (o *Orchestrator) Acquire(ctx context.Context, stationID string, start, end time.Time) ([]models.Observation, error) {
	station, err := o.registry.Get(stationID)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}

	expected := o.expectedSlots(start, end)

	localResult := o.local.Fetch(ctx, stationID, start, end)
	if localResult.Err != nil && localResult.Err != ErrNoData {
		log.Printf("orchestrator: local fetch %s: %v", stationID, localResult.Err)
	}
	localRecords := localResult.Records

	if o.coverage(localRecords, expected) >= o.coveragePct {
		return localRecords, nil
	}

	remoteRecords, err := o.fetchRemote(ctx, station, start, end)
	if err == nil && len(remoteRecords) > 0 {
		merged := mergeRecords(localRecords, remoteRecords)
		return merged, nil
	}
	if err != nil {
		log.Printf("orchestrator: remote fetch %s: %v", stationID, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Printf("orchestrator: WARNING falling back to synthetic data for %s [%s, %s]",
		stationID, start.Format(time.RFC3339), end.Format(time.RFC3339))

	synthResult := o.synthetic.Fetch(ctx, stationID, start, end)
	if synthResult.Err != nil {
		// Station exists, so the only failure mode is an empty window.
		return localRecords, nil
	}
	synthetic := quality.ValidateBatch(synthResult.Records)
	for i := range synthetic {
		if synthetic[i].Quality > SyntheticQualityCap {
			synthetic[i].Quality = SyntheticQualityCap
		}
	}
	return mergeRecords(localRecords, synthetic), nil
}

func (o *Orchestrator) fetchRemote(ctx context.Context, station models.Station, start, end time.Time) ([]models.Observation, error) {
	run, runErr := o.store.StartIngestRun(ctx, "remote", station.StationID)
	if runErr != nil {
		run = nil
	}

	result := o.remote.FetchStation(ctx, station, start, end)

	if run != nil {
		run.Success = result.Err == nil
		run.LatencyMS = sql.NullInt64{Int64: result.Latency.Milliseconds(), Valid: true}
		if result.Err != nil {
			run.ErrorMessage = sql.NullString{String: result.Err.Error(), Valid: true}
		}
	}

	if result.Err != nil {
		if run != nil {
			o.store.CompleteIngestRun(ctx, run)
		}
		return nil, result.Err
	}

	validated := quality.ValidateBatch(result.Records)
	cleaned, err := quality.Clean(validated, o.cleanStrategy)
	if err != nil {
		cleaned = validated
	}

	// Cancellation discards the batch: Append aborts before commit.
	if err := o.store.Append(ctx, cleaned); err != nil {
		if run != nil {
			run.Success = false
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
			o.store.CompleteIngestRun(ctx, run)
		}
		return nil, fmt.Errorf("persist remote records: %w", err)
	}

	for _, obs := range cleaned {
		metrics.ObservationsStored.WithLabelValues(obs.StationID, string(obs.Provenance)).Inc()
	}
	if run != nil {
		run.RecordsStored = sql.NullInt64{Int64: int64(len(cleaned)), Valid: true}
		o.store.CompleteIngestRun(ctx, run)
	}
	return cleaned, nil
}

// AcquireAll fans out over stations with a bounded worker pool, each station
// under its own time budget. Failures are aggregated, not fatal to siblings.
func (o *Orchestrator) AcquireAll(ctx context.Context, stationIDs []string, start, end time.Time) (map[string][]models.Observation, error) {
	workers := len(stationIDs)
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers == 0 {
		return map[string][]models.Observation{}, nil
	}

	type outcome struct {
		stationID string
		records   []models.Observation
		err       error
	}

	jobs := make(chan string)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stationID := range jobs {
				stationCtx, cancel := context.WithTimeout(ctx, o.stationBudget)
				records, err := o.Acquire(stationCtx, stationID, start, end)
				cancel()
				results <- outcome{stationID: stationID, records: records, err: err}
			}
		}()
	}

	go func() {
		for _, id := range stationIDs {
			jobs <- id
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make(map[string][]models.Observation, len(stationIDs))
	var errs *multierror.Error
	for r := range results {
		if r.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("station %s: %w", r.stationID, r.err))
			continue
		}
		out[r.stationID] = r.records
	}
	return out, errs.ErrorOrNil()
}

func (o *Orchestrator) expectedSlots(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start)/o.cadence) + 1
}

// coverage is the share of expected slots filled by records meeting the
// required quality, as a percentage.
func (o *Orchestrator) coverage(records []models.Observation, expected int) float64 {
	if expected == 0 {
		return 0
	}
	qualified := 0
	for _, obs := range records {
		if obs.Quality >= o.requiredQuality {
			qualified++
		}
	}
	return float64(qualified) / float64(expected) * 100
}

// mergeRecords combines two sets keyed by (station, timestamp). The higher
// quality record wins; on equal quality the non-synthetic record wins; on
// equal provenance the later-written record wins.
func mergeRecords(base, incoming []models.Observation) []models.Observation {
	type key struct {
		station string
		ts      int64
	}
	merged := make(map[key]models.Observation, len(base)+len(incoming))

	keep := func(obs models.Observation) {
		k := key{station: obs.StationID, ts: obs.ObservedAt.UTC().Unix()}
		existing, ok := merged[k]
		if !ok {
			merged[k] = obs
			return
		}
		switch {
		case obs.Quality > existing.Quality:
			merged[k] = obs
		case obs.Quality < existing.Quality:
		case existing.Provenance == models.ProvenanceSynthetic && obs.Provenance != models.ProvenanceSynthetic:
			merged[k] = obs
		case existing.Provenance == obs.Provenance:
			// Later write wins the tie.
			merged[k] = obs
		}
	}
	for _, obs := range base {
		keep(obs)
	}
	for _, obs := range incoming {
		keep(obs)
	}

	out := make([]models.Observation, 0, len(merged))
	for _, obs := range merged {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}
