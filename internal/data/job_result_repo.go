package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/data/pgxutil"
	"github.com/gridline/imagevault/internal/domain/model"
)

// JobResultRepo provides persistence for job execution results.
type JobResultRepo struct {
	DB *sql.DB
}

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

// Upsert stores or updates job results for a given job.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	if r == nil || r.DB == nil {
		return ErrJobResultsNotConfigured
	}
	if params.JobID == "" {
		return ErrJobIDRequired
	}
	const query = `
		INSERT INTO job_results (job_id, job_type, result, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id)
		DO UPDATE SET
			job_type = EXCLUDED.job_type,
			result = EXCLUDED.result,
			updated_at = now();`
	if _, err := r.DB.ExecContext(ctx, query, params.JobID, params.JobType, params.Result); err != nil {
		return fmt.Errorf("upsert job_results: %w", err)
	}
	return nil
}

// GetByJobID retrieves job results for a given job ID.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	const query = `
		SELECT job_id, job_type, result, created_at, updated_at
		FROM job_results
		WHERE job_id = $1`

	var res *model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		result, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobResult])
		if err != nil {
			return err
		}
		res = &result
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobResultsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job_results: %w", err)
	}
	return res, nil
}
