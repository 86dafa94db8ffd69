package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobStatus is the persisted outcome record for one registered job.
type JobStatus struct {
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RunCount       int        `json:"run_count"`
	FailCount      int        `json:"fail_count"`
	LastDurationMS int64      `json:"last_duration_ms"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Repository persists job registrations and per-run outcomes in the jobs
// table. One row per job name; counters accumulate across restarts.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a job status repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "jobs").Logger(),
	}
}

// Register upserts the job row, refreshing the schedule while keeping the
// accumulated counters and last-run fields.
func (r *Repository) Register(ctx context.Context, name, schedule string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (name, schedule, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			schedule   = excluded.schedule,
			updated_at = excluded.updated_at`,
		name, schedule, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	return nil
}

// RecordRun updates the job row after a run. A nil runErr records "ok",
// anything else records "error" and bumps the failure counter.
func (r *Repository) RecordRun(ctx context.Context, name string, at time.Time, duration time.Duration, runErr error) error {
	status := "ok"
	errMsg := ""
	failInc := 0
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
		failInc = 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			last_run_at      = ?,
			last_status      = ?,
			last_error       = ?,
			run_count        = run_count + 1,
			fail_count       = fail_count + ?,
			last_duration_ms = ?,
			updated_at       = ?
		WHERE name = ?`,
		at.UTC().Format(time.RFC3339Nano), status, errMsg, failInc,
		duration.Milliseconds(), at.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("record run %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record run %s: job not registered", name)
	}
	return nil
}

// Get returns one job's status, or (nil, nil) when none exists.
func (r *Repository) Get(ctx context.Context, name string) (*JobStatus, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, schedule, last_run_at, last_status, last_error,
		       run_count, fail_count, last_duration_ms, updated_at
		FROM jobs WHERE name = ?`, name)

	status, err := scanJobStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", name, err)
	}
	return status, nil
}

// List returns every registered job ordered by name.
func (r *Repository) List(ctx context.Context) ([]JobStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, schedule, last_run_at, last_status, last_error,
		       run_count, fail_count, last_duration_ms, updated_at
		FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var statuses []JobStatus
	for rows.Next() {
		status, err := scanJobStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		statuses = append(statuses, *status)
	}
	return statuses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobStatus(row rowScanner) (*JobStatus, error) {
	var (
		status    JobStatus
		lastRunAt sql.NullString
		updatedAt string
	)
	err := row.Scan(&status.Name, &status.Schedule, &lastRunAt, &status.LastStatus,
		&status.LastError, &status.RunCount, &status.FailCount,
		&status.LastDurationMS, &updatedAt)
	if err != nil {
		return nil, err
	}

	if lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_run_at: %w", err)
		}
		status.LastRunAt = &t
	}
	if status.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &status, nil
}
