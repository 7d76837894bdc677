package pallet_nav

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrFlightNotFound is returned when a flight id has no recorded samples.
var ErrFlightNotFound = errors.New("flight not found")

// TrajectoryStore persists flights and their trajectory samples in SQLite.
type TrajectoryStore struct {
	db    *sql.DB
	clock Clock
}

// OpenTrajectoryStore opens (or creates) the database at path and migrates it.
func OpenTrajectoryStore(path string) (*TrajectoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory db: %w", err)
	}
	s := NewTrajectoryStore(db)
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewTrajectoryStore wraps an open database handle.
func NewTrajectoryStore(db *sql.DB) *TrajectoryStore {
	return &TrajectoryStore{db: db, clock: RealClock{}}
}

// MigrateUp applies all embedded migrations.
func (s *TrajectoryStore) MigrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close the shared db handle.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *TrajectoryStore) Close() error {
	return s.db.Close()
}

// StartFlight registers a new flight and returns a sink recording into it.
func (s *TrajectoryStore) StartFlight() (*FlightSink, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO flights (flight_id, started_at) VALUES (?, ?)`, id, s.clock.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert flight: %w", err)
	}
	return &FlightSink{store: s, flightID: id}, nil
}

// FinishFlight stores the outcome of a flight.
func (s *TrajectoryStore) FinishFlight(flightID string, summary MissionSummary) error {
	_, err := s.db.Exec(`
		UPDATE flights
		SET finished_at = ?, outcome = ?, blocks_passed = ?, rollbacks = ?
		WHERE flight_id = ?
	`, s.clock.Now().UnixNano(), summary.Outcome, summary.BlocksPassed, summary.Rollbacks, flightID)
	if err != nil {
		return fmt.Errorf("finish flight: %w", err)
	}
	return nil
}

// ListFlight returns the samples of a flight in recording order.
func (s *TrajectoryStore) ListFlight(flightID string) ([]TrajectoryRow, error) {
	rows, err := s.db.Query(`
		SELECT x, y, z, yaw_deg, duration_s
		FROM trajectory_samples
		WHERE flight_id = ?
		ORDER BY seq
	`, flightID)
	if err != nil {
		return nil, fmt.Errorf("list flight: %w", err)
	}
	defer rows.Close()

	var out []TrajectoryRow
	for rows.Next() {
		var r TrajectoryRow
		var dur float64
		if err := rows.Scan(&r.X, &r.Y, &r.Z, &r.YawDeg, &dur); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		r.Duration = seconds(dur)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlightNotFound, flightID)
	}
	return out, nil
}

// LatestFlightID returns the most recently started flight.
func (s *TrajectoryStore) LatestFlightID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT flight_id FROM flights ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFlightNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest flight: %w", err)
	}
	return id, nil
}

// FlightSink appends samples to one flight.
type FlightSink struct {
	store    *TrajectoryStore
	flightID string

	mu  sync.Mutex
	seq int
}

// FlightID returns the id assigned when the flight started.
func (f *FlightSink) FlightID() string {
	return f.flightID
}

// Record inserts one sample.
func (f *FlightSink) Record(row TrajectoryRow) error {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	_, err := f.store.db.Exec(`
		INSERT INTO trajectory_samples (flight_id, seq, recorded_at, x, y, z, yaw_deg, duration_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.flightID, seq, f.store.clock.Now().UnixNano(), row.X, row.Y, row.Z, row.YawDeg, row.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Finish records the flight outcome.
func (f *FlightSink) Finish(summary MissionSummary) error {
	return f.store.FinishFlight(f.flightID, summary)
}
