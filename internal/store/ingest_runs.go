package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is one acquisition attempt recorded for auditing. It keeps the
// provenance of stored data inspectable after the fact.
type IngestRun struct {
	ID            int64
	Source        string
	StationID     string
	StartedAt     time.Time
	CompletedAt   sql.NullTime
	Success       bool
	RecordsStored sql.NullInt64
	LatencyMS     sql.NullInt64
	ErrorMessage  sql.NullString
}

func (s *Store) StartIngestRun(ctx context.Context, source, stationID string) (*IngestRun, error) {
	run := &IngestRun{
		Source:    source,
		StationID: stationID,
		StartedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (source, station_id, started_at) VALUES (?, ?, ?)
	`, run.Source, run.StationID, run.StartedAt)
	if err != nil {
		return nil, err
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET completed_at = ?, success = ?, records_stored = ?, latency_ms = ?, error_message = ?
		WHERE id = ?
	`, time.Now().UTC(), run.Success, run.RecordsStored, run.LatencyMS, run.ErrorMessage, run.ID)
	return err
}
