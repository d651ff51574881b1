package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/overseer/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    ident        TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    isolation    TEXT NOT NULL,
    image        TEXT,
    rc           INTEGER,
    error        TEXT,
    artifact_dir TEXT,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

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

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			ident, status, isolation, image, rc, error,
			artifact_dir, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Ident, j.Status, j.Isolation, j.Image, j.RC, j.Error,
		j.ArtifactDir, j.DurationMS, j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ident.
func (s *SQLiteStore) GetJob(ctx context.Context, ident string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT ident, status, isolation, image, rc, error,
			artifact_dir, duration_ms, created_at, started_at, finished_at
		FROM jobs WHERE ident = ?`, ident,
	).Scan(
		&j.Ident, &j.Status, &j.Isolation, &j.Image, &j.RC, &j.Error,
		&j.ArtifactDir, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
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
		`SELECT ident, status, isolation, image, rc, error,
			artifact_dir, duration_ms, created_at, started_at, finished_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.Ident, &j.Status, &j.Isolation, &j.Image, &j.RC, &j.Error,
			&j.ArtifactDir, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus updates the status and exit code of a job. Reaching running
// stamps started_at; terminal statuses stamp finished_at and derive
// duration_ms from started_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, ident, status string, rc *int) error {
	var result sql.Result
	var err error

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE ident = ?",
			status, now, ident,
		)
	case model.TerminalStatus(status):
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, rc = ?, finished_at = ?,
				duration_ms = CAST((julianday(?) - julianday(COALESCE(started_at, ?))) * 86400000 AS INTEGER)
			WHERE ident = ?`,
			status, rc, now, now, now, ident,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ? WHERE ident = ?",
			status, ident,
		)
	}

	if err != nil {
		return fmt.Errorf("update job status: %w", err)
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

// UpdateJob overwrites all mutable fields of a job record.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, isolation = ?, image = ?, rc = ?, error = ?,
			artifact_dir = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE ident = ?`,
		j.Status, j.Isolation, j.Image, j.RC, j.Error,
		j.ArtifactDir, j.DurationMS, j.StartedAt, j.FinishedAt, j.Ident,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
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

// GetJobStats computes aggregate statistics across all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus:    make(map[string]int),
		CountByIsolation: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	isoRows, err := s.db.QueryContext(ctx, "SELECT isolation, COUNT(*) FROM jobs GROUP BY isolation")
	if err != nil {
		return nil, fmt.Errorf("count by isolation: %w", err)
	}
	defer isoRows.Close()
	for isoRows.Next() {
		var isolation string
		var count int
		if err := isoRows.Scan(&isolation, &count); err != nil {
			return nil, fmt.Errorf("scan isolation count: %w", err)
		}
		stats.CountByIsolation[isolation] = count
	}
	if err := isoRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate isolation counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
