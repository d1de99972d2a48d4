package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agroclima/quillota/internal/models"
)

// Store wraps the embedded sqlite database. Writes serialise through sqlite's
// single-writer model; readers observe committed snapshots only.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")
	return db, nil
}

const obsColumns = `station_id, observed_at, provenance, temp_mean, temp_max, temp_min, precip_mm, humidity, pressure, wind_speed, wind_dir, cloud_cover, solar_radiation, dew_point, quality, defects, created_at`

// Append writes a batch of observations in one transaction. Re-appending the
// same records is a no-op; on a key conflict the higher quality record wins,
// with the later write winning ties.
func (s *Store) Append(ctx context.Context, records []models.Observation) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (station_id, observed_at, provenance, temp_mean, temp_max, temp_min, precip_mm, humidity, pressure, wind_speed, wind_dir, cloud_cover, solar_radiation, dew_point, quality, defects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, observed_at, provenance) DO UPDATE SET
			temp_mean = excluded.temp_mean,
			temp_max = excluded.temp_max,
			temp_min = excluded.temp_min,
			precip_mm = excluded.precip_mm,
			humidity = excluded.humidity,
			pressure = excluded.pressure,
			wind_speed = excluded.wind_speed,
			wind_dir = excluded.wind_dir,
			cloud_cover = excluded.cloud_cover,
			solar_radiation = excluded.solar_radiation,
			dew_point = excluded.dew_point,
			quality = excluded.quality,
			defects = excluded.defects,
			created_at = CURRENT_TIMESTAMP
		WHERE excluded.quality >= observations.quality
	`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, obs := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			obs.StationID, obs.ObservedAt.UTC(), string(obs.Provenance),
			obs.TempMean, obs.TempMax, obs.TempMin, obs.PrecipMM,
			obs.Humidity, obs.Pressure, obs.WindSpeed, obs.WindDir,
			obs.CloudCover, obs.SolarRadiation, obs.DewPoint,
			obs.Quality, defectsToJSON(obs.Defects),
		); err != nil {
			return fmt.Errorf("append %s@%s: %w", obs.StationID, obs.ObservedAt, err)
		}
	}

	return tx.Commit()
}

// Range returns observations for a station ordered by timestamp ascending.
func (s *Store) Range(ctx context.Context, stationID string, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+obsColumns+`
		FROM observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`, stationID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// Latest returns the tail of the window ending now.
func (s *Store) Latest(ctx context.Context, stationID string, window time.Duration) ([]models.Observation, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+obsColumns+`
		FROM observations
		WHERE station_id = ? AND observed_at >= ?
		ORDER BY observed_at ASC
	`, stationID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// LatestOne returns the most recent observation for a station, nil when the
// station has no data.
func (s *Store) LatestOne(ctx context.Context, stationID string) (*models.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+obsColumns+`
		FROM observations
		WHERE station_id = ?
		ORDER BY observed_at DESC
		LIMIT 1
	`, stationID)

	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return obs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var obs models.Observation
	var provenance string
	var defects sql.NullString
	err := row.Scan(
		&obs.StationID, &obs.ObservedAt, &provenance,
		&obs.TempMean, &obs.TempMax, &obs.TempMin, &obs.PrecipMM,
		&obs.Humidity, &obs.Pressure, &obs.WindSpeed, &obs.WindDir,
		&obs.CloudCover, &obs.SolarRadiation, &obs.DewPoint,
		&obs.Quality, &defects, &obs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	obs.Provenance = models.Provenance(provenance)
	obs.Defects = defectsFromJSON(defects)
	return &obs, nil
}

func scanObservations(rows *sql.Rows) ([]models.Observation, error) {
	var observations []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, *obs)
	}
	return observations, rows.Err()
}

func defectsToJSON(defects []string) sql.NullString {
	if len(defects) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(defects)
	return sql.NullString{String: string(b), Valid: true}
}

func defectsFromJSON(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var defects []string
	if err := json.Unmarshal([]byte(raw.String), &defects); err != nil {
		return nil
	}
	return defects
}
