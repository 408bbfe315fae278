// Package runlog keeps a SQLite record of the delays set and measurements
// taken by each session.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    chip TEXT NOT NULL,
    d INTEGER NOT NULL,
    ftune REAL NOT NULL,
    target REAL NOT NULL,
    predicted REAL NOT NULL,
    residual REAL NOT NULL,
    extrapolated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_resolutions_session ON resolutions(session_id);

CREATE TABLE IF NOT EXISTS measurements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    replies TEXT  -- JSON array
);
CREATE INDEX IF NOT EXISTS idx_measurements_session ON measurements(session_id);
`

// Entry is one recorded resolution.
type Entry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	RecordedAt time.Time `json:"recordedAt"`

	resolver.ResolvedSetting
}

// MeasurementEntry is one recorded measure sequence.
type MeasurementEntry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`

	board.Measurement
}

// SQLite is a run log backed by a SQLite file.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the run log at path. ":memory:" keeps it in memory.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create directory for run log %s", path)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open run log %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to initialize run log schema")
	}

	logrus.WithField("path", path).Debug("run log opened")

	return &SQLite{db: db}, nil
}

// RecordResolution stores a resolved setting.
func (l *SQLite) RecordResolution(ctx context.Context, sessionID string, s *resolver.ResolvedSetting) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO resolutions (session_id, recorded_at, chip, d, ftune, target, predicted, residual, extrapolated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), string(s.Chip), s.D, s.FTUNE,
		s.Target, s.Predicted, s.Residual, s.Extrapolated)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to insert resolution")
	}
	return nil
}

// RecordMeasurement stores one measure sequence.
func (l *SQLite) RecordMeasurement(ctx context.Context, sessionID string, m *board.Measurement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	replies, err := json.Marshal(m.Replies)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal replies")
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO measurements (session_id, started_at, finished_at, replies)
		VALUES (?, ?, ?, ?)`,
		sessionID, m.StartedAt.UTC().Format(time.RFC3339Nano), m.FinishedAt.UTC().Format(time.RFC3339Nano), string(replies))
	if err != nil {
		return pkgerrors.Wrap(err, "failed to insert measurement")
	}
	return nil
}

// Recent returns up to limit resolutions, newest first.
func (l *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, recorded_at, chip, d, ftune, target, predicted, residual, extrapolated
		FROM resolutions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query resolutions")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			recordedAt string
			chip       string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &recordedAt, &chip, &e.D, &e.FTUNE,
			&e.Target, &e.Predicted, &e.Residual, &e.Extrapolated); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan resolution")
		}
		e.Chip = calibration.ChipID(chip)
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "resolution %d has a bad timestamp", e.ID)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// RecentMeasurements returns up to limit measure sequences, newest first.
func (l *SQLite) RecentMeasurements(ctx context.Context, limit int) ([]MeasurementEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, started_at, finished_at, replies
		FROM measurements ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query measurements")
	}
	defer rows.Close()

	var entries []MeasurementEntry
	for rows.Next() {
		var (
			e                     MeasurementEntry
			startedAt, finishedAt string
			replies               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &startedAt, &finishedAt, &replies); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan measurement")
		}
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, pkgerrors.Wrapf(err, "measurement %d has a bad start time", e.ID)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, pkgerrors.Wrapf(err, "measurement %d has a bad finish time", e.ID)
		}
		if replies.Valid && replies.String != "" {
			if err := json.Unmarshal([]byte(replies.String), &e.Replies); err != nil {
				return nil, pkgerrors.Wrapf(err, "measurement %d has bad replies", e.ID)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close closes the database.
func (l *SQLite) Close() error {
	return l.db.Close()
}
