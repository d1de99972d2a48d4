package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Observation time series",
		SQL: `
CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    provenance TEXT NOT NULL,
    temp_mean REAL,
    temp_max REAL,
    temp_min REAL,
    precip_mm REAL,
    humidity REAL,
    pressure REAL,
    wind_speed REAL,
    wind_dir REAL,
    cloud_cover REAL,
    solar_radiation REAL,
    dew_point REAL,
    quality INTEGER NOT NULL DEFAULT 0,
    defects TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (station_id, observed_at, provenance)
);

CREATE INDEX IF NOT EXISTS idx_obs_station_time ON observations(station_id, observed_at);
`,
	},
	{
		Version:     2,
		Description: "Alerts and delivery log",
		SQL: `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    ts DATETIME NOT NULL,
    station_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    severity INTEGER NOT NULL,
    message TEXT,
    correlation_key TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts(correlation_key, ts);
CREATE INDEX IF NOT EXISTS idx_alerts_station ON alerts(station_id, ts);

CREATE TABLE IF NOT EXISTS delivery_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id TEXT NOT NULL REFERENCES alerts(id),
    correlation_key TEXT NOT NULL,
    channel TEXT NOT NULL,
    recipient TEXT,
    outcome TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    latency_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_delivery_key ON delivery_log(correlation_key, channel, created_at);
`,
	},
	{
		Version:     3,
		Description: "Recommendations",
		SQL: `
CREATE TABLE IF NOT EXISTS recommendations (
    id TEXT PRIMARY KEY,
    ts DATETIME NOT NULL,
    crop_id TEXT NOT NULL,
    category TEXT NOT NULL,
    text TEXT NOT NULL,
    priority INTEGER NOT NULL,
    impact TEXT,
    urgency TEXT,
    cost TEXT,
    alert_ids TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rec_crop_time ON recommendations(crop_id, ts);
`,
	},
	{
		Version:     4,
		Description: "Auth tables",
		SQL: `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    login TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    last_login DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id),
    issued_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    ip TEXT,
    user_agent TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS permissions (
    role TEXT NOT NULL,
    module TEXT NOT NULL,
    action TEXT NOT NULL,
    PRIMARY KEY (role, module, action)
);
`,
	},
	{
		Version:     5,
		Description: "Ingest run audit trail",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    station_id TEXT,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    success BOOLEAN,
    records_stored INTEGER,
    latency_ms INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_time ON ingest_runs(started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
