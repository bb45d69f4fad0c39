// Package journal persists status events and calibration results in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/arloliu/go-gasrig/logger"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		message TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calibrations (
		run_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		co2_zero REAL,
		o2_zero REAL,
		o2_span REAL,
		reads INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`,
}

// Calibration is one persisted calibration run.
type Calibration struct {
	RunID      string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
	CO2Zero    *float64
	O2Zero     *float64
	O2Span     *float64
	Reads      int
	// Error is the failure message of a run that did not complete.
	Error string
}

// Event is one persisted status message.
type Event struct {
	ID      int64
	At      time.Time
	Message string
}

// Store is a SQLite-backed journal. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

// Open opens or creates the journal at path. MemoryPath keeps it in memory.
func Open(path string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	if path == "" {
		path = "gasrig.db"
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("journal: create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// every pooled connection to :memory: would be a separate database
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: create schema: %w", err)
		}
	}

	return &Store{db: db, logger: l.With("component", "journal"), now: time.Now}, nil
}

// Emit stores a status message. Failures are logged, never returned.
func (s *Store) Emit(message string) {
	if err := s.AddEvent(context.Background(), message); err != nil {
		s.logger.Warn("journal event dropped", "error", err)
	}
}

// AddEvent stores a status message.
func (s *Store) AddEvent(ctx context.Context, message string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (at, message) VALUES (?, ?)`,
		s.now().UnixMilli(), message)
	if err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}

	return nil
}

// Events returns the most recent events, newest first. limit <= 0 returns all.
func (s *Store) Events(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, message FROM events ORDER BY id DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Message); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}

	return out, rows.Err()
}

// SaveCalibration stores rec, replacing any earlier record with the same RunID.
func (s *Store) SaveCalibration(ctx context.Context, rec Calibration) error {
	if rec.RunID == "" {
		return errors.New("journal: calibration without run id")
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO calibrations
		(run_id, kind, started_at, finished_at, co2_zero, o2_zero, o2_span, reads, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Kind, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
		nullFloat(rec.CO2Zero), nullFloat(rec.O2Zero), nullFloat(rec.O2Span),
		rec.Reads, rec.Error)
	if err != nil {
		return fmt.Errorf("journal: insert calibration: %w", err)
	}

	return nil
}

// Calibrations returns the most recent calibration runs, newest first.
// limit <= 0 returns all.
func (s *Store) Calibrations(ctx context.Context, limit int) ([]Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, kind, started_at, finished_at,
		co2_zero, o2_zero, o2_span, reads, error
		FROM calibrations ORDER BY started_at DESC, rowid DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: select calibrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Calibration
	for rows.Next() {
		var (
			rec               Calibration
			started, finished int64
			co2, o2, span     sql.NullFloat64
		)
		if err := rows.Scan(&rec.RunID, &rec.Kind, &started, &finished,
			&co2, &o2, &span, &rec.Reads, &rec.Error); err != nil {
			return nil, fmt.Errorf("journal: scan calibration: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		rec.CO2Zero = floatPtr(co2)
		rec.O2Zero = floatPtr(o2)
		rec.O2Span = floatPtr(span)
		out = append(out, rec)
	}

	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}

	return limit
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64

	return &f
}
