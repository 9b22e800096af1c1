package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jgoulah/sajscraper/internal/state"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// DB is a SQLite-backed state.Store
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		serial TEXT PRIMARY KEY,
		peak_power REAL NOT NULL DEFAULT 0,
		peak_day TEXT NOT NULL DEFAULT '',
		peak_update_time TEXT,
		last_update_time TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS fleet_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		plant_peak_power REAL NOT NULL DEFAULT 0,
		plant_peak_day TEXT NOT NULL DEFAULT '',
		plant_peak_update_time TEXT,
		last_seen_update_time TEXT,
		last_seen_wall_clock TEXT,
		updated_at TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	if err != nil {
		return err
	}

	// Add columns to existing tables (migration)
	// These will fail silently if columns already exist
	db.conn.Exec(`ALTER TABLE fleet_state ADD COLUMN last_poll_wall_clock TEXT`)

	return nil
}

// Load reads the stored fleet state. An empty database yields an empty state.
func (db *DB) Load(ctx context.Context) (state.FleetState, error) {
	s := state.New()

	rows, err := db.conn.QueryContext(ctx, `
	SELECT serial, peak_power, peak_day, peak_update_time, last_update_time
	FROM device_state
	`)
	if err != nil {
		return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("querying device state: %w", err)}
	}
	defer rows.Close()

	for rows.Next() {
		var serial string
		var ds state.DeviceState
		var peakAt, lastAt sql.NullString

		if err := rows.Scan(&serial, &ds.Peak.Power, &ds.Peak.Day, &peakAt, &lastAt); err != nil {
			return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("scanning row: %w", err)}
		}
		if ds.Peak.UpdateTime, err = parseTime(peakAt); err != nil {
			return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("parsing peak_update_time: %w", err)}
		}
		if ds.LastUpdateTime, err = parseTime(lastAt); err != nil {
			return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("parsing last_update_time: %w", err)}
		}
		s.Devices[serial] = ds
	}
	if err := rows.Err(); err != nil {
		return s, &state.PersistenceError{Op: "load", Err: err}
	}

	var plantAt, seenAt, seenWall, polled sql.NullString
	err = db.conn.QueryRowContext(ctx, `
	SELECT plant_peak_power, plant_peak_day, plant_peak_update_time,
		last_seen_update_time, last_seen_wall_clock, last_poll_wall_clock
	FROM fleet_state WHERE id = 1
	`).Scan(&s.Plant.Power, &s.Plant.Day, &plantAt, &seenAt, &seenWall, &polled)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("querying fleet state: %w", err)}
	}

	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&s.Plant.UpdateTime, plantAt},
		{&s.Staleness.LastSeenUpdateTime, seenAt},
		{&s.Staleness.LastSeenWallClock, seenWall},
		{&s.Staleness.LastPollWallClock, polled},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return s, &state.PersistenceError{Op: "load", Err: fmt.Errorf("parsing fleet state: %w", err)}
		}
	}

	return s, nil
}

// Persist replaces the stored state in a single transaction
func (db *DB) Persist(ctx context.Context, s state.FleetState) error {
	if err := db.persist(ctx, s); err != nil {
		return &state.PersistenceError{Op: "persist", Err: err}
	}
	return nil
}

func (db *DB) persist(ctx context.Context, s state.FleetState) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_state`); err != nil {
		return fmt.Errorf("clearing device state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO device_state (serial, peak_power, peak_day, peak_update_time, last_update_time, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for serial, ds := range s.Devices {
		_, err := stmt.ExecContext(ctx, serial, ds.Peak.Power, ds.Peak.Day,
			formatTime(ds.Peak.UpdateTime), formatTime(ds.LastUpdateTime), now)
		if err != nil {
			return fmt.Errorf("inserting device %s: %w", serial, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO fleet_state (id, plant_peak_power, plant_peak_day, plant_peak_update_time,
		last_seen_update_time, last_seen_wall_clock, last_poll_wall_clock, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		plant_peak_power = excluded.plant_peak_power,
		plant_peak_day = excluded.plant_peak_day,
		plant_peak_update_time = excluded.plant_peak_update_time,
		last_seen_update_time = excluded.last_seen_update_time,
		last_seen_wall_clock = excluded.last_seen_wall_clock,
		last_poll_wall_clock = excluded.last_poll_wall_clock,
		updated_at = excluded.updated_at
	`, s.Plant.Power, s.Plant.Day, formatTime(s.Plant.UpdateTime),
		formatTime(s.Staleness.LastSeenUpdateTime), formatTime(s.Staleness.LastSeenWallClock),
		formatTime(s.Staleness.LastPollWallClock), now)
	if err != nil {
		return fmt.Errorf("updating fleet state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ state.Store = (*DB)(nil)
