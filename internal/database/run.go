package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one recorded ETL execution.
type Run struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	DateFrom     time.Time  `db:"date_from" json:"date_from"`
	DateTo       time.Time  `db:"date_to" json:"date_to"`
	MaxPages     int        `db:"max_pages" json:"max_pages"`
	Status       RunStatus  `db:"status" json:"status"`
	PagesFetched int        `db:"pages_fetched" json:"pages_fetched"`
	RecordsSeen  int        `db:"records_seen" json:"records_seen"`
	Inserted     int        `db:"inserted" json:"inserted"`
	Updated      int        `db:"updated" json:"updated"`
	Phase2Total  int        `db:"phase2_total" json:"phase2_total"`
	Phase2OK     int        `db:"phase2_ok" json:"phase2_ok"`
	Relevant     int        `db:"relevant" json:"relevant"`
	Error        *string    `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

type RunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `
	id, date_from, date_to, max_pages, status, pages_fetched, records_seen,
	inserted, updated, phase2_total, phase2_ok, relevant, error,
	created_at, started_at, completed_at`

func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	run.CreatedAt = time.Now()

	query := `
		INSERT INTO etl_runs (id, date_from, date_to, max_pages, status, created_at)
		VALUES ($1, $2::date, $3::date, $4, $5, $6)`

	_, err := r.db.pool.Exec(ctx, query,
		run.ID, run.DateFrom, run.DateTo, run.MaxPages, run.Status, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (r *RunRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE etl_runs SET status = $2, started_at = $3 WHERE id = $1`,
		id, RunRunning, time.Now())
}

// Finish stores the final counters and status of a run.
func (r *RunRepository) Finish(ctx context.Context, run *Run) error {
	now := time.Now()
	run.CompletedAt = &now

	query := `
		UPDATE etl_runs SET
			status = $2,
			pages_fetched = $3,
			records_seen = $4,
			inserted = $5,
			updated = $6,
			phase2_total = $7,
			phase2_ok = $8,
			relevant = $9,
			error = $10,
			completed_at = $11
		WHERE id = $1`

	return r.exec(ctx, query,
		run.ID, run.Status, run.PagesFetched, run.RecordsSeen,
		run.Inserted, run.Updated, run.Phase2Total, run.Phase2OK, run.Relevant,
		run.Error, run.CompletedAt,
	)
}

func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM etl_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM etl_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

// FailStale marks runs left pending or running by a previous process as failed.
func (r *RunRepository) FailStale(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE etl_runs SET status = $1, error = $2, completed_at = $3
		WHERE status IN ($4, $5)`,
		RunFailed, "interrupted by restart", time.Now(), RunPending, RunRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RunRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %v: %w", args[0], ErrNotFound)
	}
	return nil
}

func scanRun(row pgx.Row) (*Run, error) {
	run := &Run{}
	var status string
	err := row.Scan(
		&run.ID, &run.DateFrom, &run.DateTo, &run.MaxPages, &status,
		&run.PagesFetched, &run.RecordsSeen, &run.Inserted, &run.Updated,
		&run.Phase2Total, &run.Phase2OK, &run.Relevant, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	return run, nil
}
