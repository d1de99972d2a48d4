package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agroclima/quillota/internal/models"
)

// InsertAlert stores a newly raised alert.
func (s *Store) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, ts, station_id, kind, severity, message, correlation_key, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.Timestamp.UTC(), a.StationID, string(a.Kind), int(a.Severity), a.Message, a.CorrelationKey, string(a.State))
	return err
}

// SetAlertState moves an alert through its lifecycle
// (active, superseded, dispatched, archived).
func (s *Store) SetAlertState(ctx context.Context, alertID string, state models.AlertState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET state = ? WHERE id = ?`, string(state), alertID)
	return err
}

// ActiveAlertForKey returns the live alert with the given correlation key
// inside the window, nil when none exists. Dispatched alerts still count:
// delivery must not reopen the debounce window.
func (s *Store) ActiveAlertForKey(ctx context.Context, key string, since time.Time) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, station_id, kind, severity, message, correlation_key, state, created_at
		FROM alerts
		WHERE correlation_key = ? AND state IN ('active', 'dispatched') AND ts >= ?
		ORDER BY ts DESC
		LIMIT 1
	`, key, since.UTC())

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ActiveAlerts lists non-archived alerts ordered by severity descending then
// time ascending. stationID and since are optional filters.
func (s *Store) ActiveAlerts(ctx context.Context, stationID string, since time.Time) ([]models.Alert, error) {
	query := `
		SELECT id, ts, station_id, kind, severity, message, correlation_key, state, created_at
		FROM alerts
		WHERE state IN ('active', 'dispatched')
	`
	var args []any
	if stationID != "" {
		query += " AND station_id = ?"
		args = append(args, stationID)
	}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since.UTC())
	}
	query += " ORDER BY severity DESC, ts ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var kind, state string
	var severity int
	if err := row.Scan(&a.ID, &a.Timestamp, &a.StationID, &kind, &severity, &a.Message, &a.CorrelationKey, &state, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = models.AlertKind(kind)
	a.Severity = models.Severity(severity)
	a.State = models.AlertState(state)
	return &a, nil
}

// InsertRecommendation stores one advisory produced by an evaluation pass.
func (s *Store) InsertRecommendation(ctx context.Context, r models.Recommendation) error {
	var alertIDs sql.NullString
	if len(r.AlertIDs) > 0 {
		b, _ := json.Marshal(r.AlertIDs)
		alertIDs = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recommendations (id, ts, crop_id, category, text, priority, impact, urgency, cost, alert_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Timestamp.UTC(), r.CropID, string(r.Category), r.Text, int(r.Priority), r.Impact, r.Urgency, r.Cost, alertIDs)
	return err
}

// LatestRecommendations returns recent advisories, newest first. cropID is an
// optional filter.
func (s *Store) LatestRecommendations(ctx context.Context, cropID string, limit int) ([]models.Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, ts, crop_id, category, text, priority, impact, urgency, cost, alert_ids
		FROM recommendations
	`
	var args []any
	if cropID != "" {
		query += " WHERE crop_id = ?"
		args = append(args, cropID)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.Recommendation
	for rows.Next() {
		var r models.Recommendation
		var category string
		var priority int
		var impact, urgency, cost, alertIDs sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.CropID, &category, &r.Text, &priority, &impact, &urgency, &cost, &alertIDs); err != nil {
			return nil, err
		}
		r.Category = models.RecommendationCategory(category)
		r.Priority = models.Severity(priority)
		r.Impact = impact.String
		r.Urgency = urgency.String
		r.Cost = cost.String
		if alertIDs.Valid {
			json.Unmarshal([]byte(alertIDs.String), &r.AlertIDs)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DeliveryRecord is one dispatch attempt outcome for the delivery log.
type DeliveryRecord struct {
	AlertID        string
	CorrelationKey string
	Channel        string
	Recipient      string
	Outcome        string
	Attempts       int
	LatencyMS      int64
}

func (s *Store) InsertDelivery(ctx context.Context, d DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (alert_id, correlation_key, channel, recipient, outcome, attempts, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.AlertID, d.CorrelationKey, d.Channel, d.Recipient, d.Outcome, d.Attempts, d.LatencyMS)
	return err
}

// DeliveredRecently reports whether an alert with this correlation key was
// already sent on the channel inside the idempotency window.
func (s *Store) DeliveredRecently(ctx context.Context, correlationKey, channel string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_log
		WHERE correlation_key = ? AND channel = ? AND outcome = 'ok' AND created_at >= ?
	`, correlationKey, channel, cutoff).Scan(&count)
	return count > 0, err
}
