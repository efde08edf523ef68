package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    nodes      TEXT NOT NULL,
    num_procs  INTEGER NOT NULL,
    restarts   INTEGER NOT NULL DEFAULT 0,
    error      TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    code       TEXT NOT NULL,
    source     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, created_at)`

// ErrNotFound is returned when a job is not in the journal.
var ErrNotFound = fmt.Errorf("job %w", status.ErrNotFound)

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createEventsTable, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts a job record or replaces the existing one with the same ID.
func (s *SQLiteStore) SaveJob(ctx context.Context, j *model.JobRecord) error {
	nodes, err := json.Marshal(j.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, nodes, num_procs, restarts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			nodes = excluded.nodes,
			num_procs = excluded.num_procs,
			restarts = excluded.restarts,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		j.ID, j.State.String(), string(nodes), j.NumProcs, j.Restarts, j.Error,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

const selectJob = `SELECT id, state, nodes, num_procs, restarts, error, created_at, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.JobRecord, error) {
	var (
		j     model.JobRecord
		state string
		nodes string
	)
	if err := row.Scan(&j.ID, &state, &nodes, &j.NumProcs, &j.Restarts, &j.Error,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := model.ParseJobState(state)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.State = st
	if err := json.Unmarshal([]byte(nodes), &j.Nodes); err != nil {
		return nil, fmt.Errorf("job %s nodes: %w", j.ID, err)
	}
	return &j, nil
}

// GetJob retrieves a job record by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a page of jobs ordered by created_at DESC, along with the
// total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectJob+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobState records a state change. A non-empty cause replaces the
// stored error.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, id string, state model.JobState, cause string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = CASE WHEN ? = '' THEN error ELSE ? END, updated_at = ?
		WHERE id = ?`,
		state.String(), cause, cause, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetJobStats aggregates the journal.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByState: make(map[string]int)}
	for _, st := range model.JobStates() {
		stats.CountByState[st.String()] = 0
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*), COALESCE(SUM(restarts), 0) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state           string
			count, restarts int
		)
		if err := rows.Scan(&state, &count, &restarts); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
		stats.Restarts += restarts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_events").Scan(&stats.Events); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	return stats, nil
}

// InsertEvent appends a notification to a job's journal.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e model.EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (id, job_id, code, source, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Code, e.Source, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a job's journal in arrival order.
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, code, source, detail, created_at
		FROM job_events WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.EventRecord
	for rows.Next() {
		var e model.EventRecord
		if err := rows.Scan(&e.ID, &e.JobID, &e.Code, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}
