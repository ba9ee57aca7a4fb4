// Package store persists the sensor registry, measurement history, and
// experiment records in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/fieldgrid/fieldhub/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrNoActiveExperiment is returned by EndExperiment when no experiment
// is currently open.
var ErrNoActiveExperiment = errors.New("no active experiment")

type Store struct {
	*sql.DB
}

// Sensor is one registry row.
type Sensor struct {
	Address   string   `json:"address"`
	Label     string   `json:"label"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	LastSeq   int64    `json:"last_seq"`
	LastSeen  int64    `json:"last_seen"`
}

// SensorRow is one bulk-import record.
type SensorRow struct {
	Address   string
	Label     string
	Latitude  *float64
	Longitude *float64
}

// Measurement is one stored reading, fields decoded from their JSON
// storage form.
type Measurement struct {
	Address   string             `json:"address"`
	Timestamp int64              `json:"timestamp"`
	Seq       int64              `json:"seq"`
	Fields    map[string]float64 `json:"fields"`
}

// Experiment is one recorded experiment window. EndedAt is nil while the
// experiment is still running.
type Experiment struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartedAt int64  `json:"started_at"`
	EndedAt   *int64 `json:"ended_at,omitempty"`
}

// Open opens (creating if needed) the SQLite database at path and applies
// any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: we don't close m here because it would close the underlying DB
	// connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// UpsertSensor records an admitted packet's sequence and last-seen time,
// inserting the sensor on first contact.
func (s *Store) UpsertSensor(ctx context.Context, address string, seq int64, seen int64) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO sensors (address, last_seq, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET last_seq = excluded.last_seq, last_seen = excluded.last_seen
	`, address, seq, seen)
	return err
}

// TouchSensor refreshes a sensor's last-seen time without touching its
// sequence state, inserting the sensor on first contact.
func (s *Store) TouchSensor(ctx context.Context, address string, seen int64) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO sensors (address, last_seen) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET last_seen = excluded.last_seen
	`, address, seen)
	return err
}

// RecordMeasurement appends one reading to the measurement history.
func (s *Store) RecordMeasurement(ctx context.Context, p *pipeline.SensorPacket) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO measurements (address, timestamp, seq, fields) VALUES (?, ?, ?, ?)
	`, p.Address, p.Timestamp, p.Seq, string(fields))
	return err
}

// ListSensors returns every registry row ordered by address.
func (s *Store) ListSensors(ctx context.Context) ([]Sensor, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT address, label, latitude, longitude, last_seq, last_seen
		FROM sensors ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sensors []Sensor
	for rows.Next() {
		var sn Sensor
		if err := rows.Scan(&sn.Address, &sn.Label, &sn.Latitude, &sn.Longitude, &sn.LastSeq, &sn.LastSeen); err != nil {
			return nil, err
		}
		sensors = append(sensors, sn)
	}
	return sensors, rows.Err()
}

// SetLabel assigns a display label to a sensor.
func (s *Store) SetLabel(ctx context.Context, address, label string) error {
	res, err := s.ExecContext(ctx, `UPDATE sensors SET label = ? WHERE address = ?`, label, address)
	if err != nil {
		return err
	}
	return requireRow(res, address)
}

// SetCoordinates assigns a position to a sensor.
func (s *Store) SetCoordinates(ctx context.Context, address string, latitude, longitude float64) error {
	res, err := s.ExecContext(ctx, `
		UPDATE sensors SET latitude = ?, longitude = ? WHERE address = ?
	`, latitude, longitude, address)
	if err != nil {
		return err
	}
	return requireRow(res, address)
}

func requireRow(res sql.Result, address string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown sensor %q", address)
	}
	return nil
}

// ImportSensors replaces the registry with the given rows in a single
// transaction. Existing sequence state is preserved for addresses that
// survive the import.
func (s *Store) ImportSensors(ctx context.Context, sensors []SensorRow) (int, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sensors WHERE address NOT IN (SELECT value FROM json_each(?))
	`, addressesJSON(sensors)); err != nil {
		return 0, err
	}

	for _, row := range sensors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sensors (address, label, latitude, longitude) VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				label = excluded.label,
				latitude = excluded.latitude,
				longitude = excluded.longitude
		`, row.Address, row.Label, row.Latitude, row.Longitude); err != nil {
			return 0, fmt.Errorf("failed to import sensor %q: %w", row.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(sensors), nil
}

func addressesJSON(sensors []SensorRow) string {
	addrs := make([]string, 0, len(sensors))
	for _, row := range sensors {
		addrs = append(addrs, row.Address)
	}
	data, _ := json.Marshal(addrs)
	return string(data)
}

// History returns stored readings for one sensor within [from, to],
// newest first, capped at limit rows.
func (s *Store) History(ctx context.Context, address string, from, to int64, limit int) ([]Measurement, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.QueryContext(ctx, `
		SELECT address, timestamp, seq, fields
		FROM measurements
		WHERE address = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT ?
	`, address, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var fields string
		if err := rows.Scan(&m.Address, &m.Timestamp, &m.Seq, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &m.Fields); err != nil {
			return nil, fmt.Errorf("corrupt fields for %s at %d: %w", m.Address, m.Timestamp, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StartExperiment opens a new experiment window, closing any experiment
// still running.
func (s *Store) StartExperiment(ctx context.Context, name string, at int64) (int64, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE experiments SET ended_at = ? WHERE ended_at IS NULL
	`, at); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO experiments (name, started_at) VALUES (?, ?)
	`, name, at)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// EndExperiment closes the currently running experiment.
func (s *Store) EndExperiment(ctx context.Context, at int64) error {
	res, err := s.ExecContext(ctx, `
		UPDATE experiments SET ended_at = ? WHERE ended_at IS NULL
	`, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoActiveExperiment
	}
	return nil
}

// ActiveExperiment returns the currently running experiment, or nil when
// none is open.
func (s *Store) ActiveExperiment(ctx context.Context) (*Experiment, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, name, started_at, ended_at FROM experiments
		WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1
	`)
	var e Experiment
	if err := row.Scan(&e.ID, &e.Name, &e.StartedAt, &e.EndedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
