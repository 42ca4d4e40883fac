// Package sqlite persists weather batches, snapshots, and issues in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/buildflow/weather-risk/internal/domain"
)

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and bootstraps the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers off the writer's back; busy_timeout bounds how long a
	// writer waits before the conflict surfaces to the caller.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS weather_batch (
			id           TEXT PRIMARY KEY,
			location_key TEXT NOT NULL,
			lat          REAL NOT NULL,
			lon          REAL NOT NULL,
			window_start INTEGER NOT NULL,
			window_end   INTEGER NOT NULL,
			granularity  TEXT NOT NULL,
			source       TEXT NOT NULL,
			fetched_at   INTEGER NOT NULL,
			checksum     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS weather_snapshot (
			location_key      TEXT NOT NULL,
			ts                INTEGER NOT NULL,
			granularity       TEXT NOT NULL,
			batch_id          TEXT NOT NULL REFERENCES weather_batch(id),
			replaced_batch_id TEXT,
			temperature       REAL NOT NULL,
			precip_prob       REAL NOT NULL,
			wind_speed        REAL NOT NULL,
			code              TEXT NOT NULL,
			PRIMARY KEY (location_key, ts, granularity)
		);

		CREATE TABLE IF NOT EXISTS issue (
			id           TEXT PRIMARY KEY,
			scope_key    TEXT NOT NULL,
			project_id   TEXT NOT NULL DEFAULT '',
			lot_id       TEXT NOT NULL DEFAULT '',
			sector_id    TEXT NOT NULL DEFAULT '',
			task_id      TEXT NOT NULL DEFAULT '',
			origin       TEXT NOT NULL,
			status       TEXT NOT NULL,
			severity     TEXT NOT NULL,
			title        TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '',
			rule_id      TEXT NOT NULL DEFAULT '',
			window_start INTEGER,
			window_end   INTEGER,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_issue_rule_scope ON issue(rule_id, scope_key, status);

		CREATE TABLE IF NOT EXISTS issue_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_id    TEXT NOT NULL REFERENCES issue(id),
			at          INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			note        TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_issue_history_issue ON issue_history(issue_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveBatch persists a batch and its snapshots in a single transaction.
// The supersession rule is applied per snapshot: an existing snapshot for the
// same (location, timestamp, granularity) is replaced only when this batch
// was fetched strictly later than the one that produced it; ties keep the
// existing row, which makes replaying an identical fetch a no-op.
// Returns counts of snapshots written and superseded.
func (s *Store) SaveBatch(ctx context.Context, batch domain.WeatherBatch, snaps []domain.WeatherSnapshot) (written, superseded int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, wrapConflict("begin batch tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO weather_batch (id, location_key, lat, lon, window_start, window_end, granularity, source, fetched_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.Location.Key(), batch.Location.Lat, batch.Location.Lon,
		batch.Window.Start.Unix(), batch.Window.End.Unix(), string(batch.Granularity),
		batch.Source, batch.FetchedAt.Unix(), batch.Checksum,
	)
	if err != nil {
		return 0, 0, wrapConflict("insert batch", err)
	}

	for _, snap := range snaps {
		w, sup, err := upsertSnapshot(ctx, tx, batch, snap)
		if err != nil {
			return 0, 0, err
		}
		written += w
		superseded += sup
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, wrapConflict("commit batch", err)
	}
	return written, superseded, nil
}

// upsertSnapshot implements supersede-by-fetch-time. The comparison key
// (location, ts, granularity) differs from the row identity the write
// touches, so this is an explicit read-compare-write rather than a bare
// ON CONFLICT clause.
func upsertSnapshot(ctx context.Context, tx *sql.Tx, batch domain.WeatherBatch, snap domain.WeatherSnapshot) (written, superseded int, err error) {
	var (
		existingBatch string
		existingFetch int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT ws.batch_id, wb.fetched_at
		FROM weather_snapshot ws
		JOIN weather_batch wb ON wb.id = ws.batch_id
		WHERE ws.location_key = ? AND ws.ts = ? AND ws.granularity = ?`,
		snap.Location.Key(), snap.Timestamp.Unix(), string(snap.Granularity),
	)
	switch err := row.Scan(&existingBatch, &existingFetch); {
	case err == sql.ErrNoRows:
		_, err2 := tx.ExecContext(ctx, `
			INSERT INTO weather_snapshot (location_key, ts, granularity, batch_id, temperature, precip_prob, wind_speed, code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.Location.Key(), snap.Timestamp.Unix(), string(snap.Granularity),
			batch.ID, snap.Temperature, snap.PrecipProb, snap.WindSpeed, string(snap.Code),
		)
		if err2 != nil {
			return 0, 0, wrapConflict("insert snapshot", err2)
		}
		return 1, 0, nil
	case err != nil:
		return 0, 0, wrapConflict("read snapshot", err)
	}

	if existingFetch >= batch.FetchedAt.Unix() {
		return 0, 0, nil // existing snapshot is as fresh or fresher
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE weather_snapshot
		SET batch_id = ?, replaced_batch_id = ?, temperature = ?, precip_prob = ?, wind_speed = ?, code = ?
		WHERE location_key = ? AND ts = ? AND granularity = ?`,
		batch.ID, existingBatch, snap.Temperature, snap.PrecipProb, snap.WindSpeed, string(snap.Code),
		snap.Location.Key(), snap.Timestamp.Unix(), string(snap.Granularity),
	)
	if err != nil {
		return 0, 0, wrapConflict("supersede snapshot", err)
	}
	return 1, 1, nil
}

// SnapshotsForWindow returns the current (latest-fetch) snapshots covering
// the window, ordered by timestamp.
func (s *Store) SnapshotsForWindow(ctx context.Context, loc domain.Location, window domain.Window, gran domain.Granularity) ([]domain.WeatherSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, ts, temperature, precip_prob, wind_speed, code
		FROM weather_snapshot
		WHERE location_key = ? AND granularity = ? AND ts BETWEEN ? AND ?
		ORDER BY ts`,
		loc.Key(), string(gran), window.Start.Unix(), window.End.Unix(),
	)
	if err != nil {
		return nil, wrapConflict("query snapshots", err)
	}
	defer rows.Close()

	var out []domain.WeatherSnapshot
	for rows.Next() {
		var (
			snap domain.WeatherSnapshot
			ts   int64
			code string
		)
		if err := rows.Scan(&snap.BatchID, &ts, &snap.Temperature, &snap.PrecipProb, &snap.WindSpeed, &code); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Location = loc
		snap.Granularity = gran
		snap.Timestamp = time.Unix(ts, 0).UTC()
		snap.Code = domain.WeatherCode(code)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CountSnapshots returns the number of snapshot rows for a location and
// granularity. Supersession updates rows in place, so the count is the number
// of distinct timestamps covered.
func (s *Store) CountSnapshots(ctx context.Context, loc domain.Location, gran domain.Granularity) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM weather_snapshot WHERE location_key = ? AND granularity = ?`,
		loc.Key(), string(gran),
	).Scan(&n)
	return n, err
}

// wrapConflict converts SQLite lock contention into a PersistenceConflict so
// the orchestrator can retry the alerting stage; anything else passes through
// wrapped.
func wrapConflict(op string, err error) error {
	if isBusy(err) {
		return &domain.PersistenceConflict{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
