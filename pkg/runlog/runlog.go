// Package runlog keeps the history of segmentation runs in a SQLite database.
package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Status of a finished run
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT    PRIMARY KEY,
	session_id      TEXT    NOT NULL DEFAULT '',
	task            TEXT    NOT NULL,
	input_path      TEXT    NOT NULL DEFAULT '',
	prediction_path TEXT    NOT NULL DEFAULT '',
	mesh_path       TEXT    NOT NULL DEFAULT '',
	slices          INTEGER NOT NULL DEFAULT 0,
	label_voxels    INTEGER NOT NULL DEFAULT 0,
	status          TEXT    NOT NULL,
	error           TEXT    NOT NULL DEFAULT '',
	started_at      TEXT    NOT NULL,
	finished_at     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_session_started ON runs(session_id, started_at DESC);
`

const maxQueryLimit = 500

// Run is one row of the history.
type Run struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId,omitempty"`
	Task           string    `json:"task"`
	InputPath      string    `json:"inputPath"`
	PredictionPath string    `json:"predictionPath,omitempty"`
	MeshPath       string    `json:"meshPath,omitempty"`
	Slices         int       `json:"slices"`
	LabelVoxels    int64     `json:"labelVoxels"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	Task      string
	Status    Status
	Limit     int
}

// Log is a run history backed by SQLite.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway history.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db for run log: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(runSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run run log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record inserts or replaces a run.
func (l *Log) Record(r Run) error {
	if r.ID == "" {
		return errors.New("run id is empty")
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	const q = `
		INSERT OR REPLACE INTO runs
			(id, session_id, task, input_path, prediction_path, mesh_path,
			 slices, label_voxels, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.Exec(q,
		r.ID,
		r.SessionID,
		r.Task,
		r.InputPath,
		r.PredictionPath,
		r.MeshPath,
		r.Slices,
		r.LabelVoxels,
		string(r.Status),
		r.Error,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

const selectRuns = `
	SELECT id, session_id, task, input_path, prediction_path, mesh_path,
	       slices, label_voxels, status, error, started_at, finished_at
	FROM runs
`

// Get returns the run with the given id.
func (l *Log) Get(id string) (Run, error) {
	row := l.db.QueryRow(selectRuns+" WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns runs matching the filter, newest first. Limit is capped at 500.
func (l *Log) List(f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var conditions []string
	var args []any
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Task != "" {
		conditions = append(conditions, "task = ?")
		args = append(args, f.Task)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}

	q := selectRuns
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Close releases the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var status, started, finished string
	err := s.Scan(
		&r.ID,
		&r.SessionID,
		&r.Task,
		&r.InputPath,
		&r.PredictionPath,
		&r.MeshPath,
		&r.Slices,
		&r.LabelVoxels,
		&status,
		&r.Error,
		&started,
		&finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = Status(status)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// formatTime stores times as RFC3339Nano; the zero time is stored empty.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
