package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/print-checkout/internal/domain/asset"
)

// A registered job is final: the conflict update skips it.
const upsertJobSQL = `INSERT INTO asset_jobs (order_id, asset_id, status, remote_url, attempts, last_error, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (order_id, asset_id) DO UPDATE SET
		status = EXCLUDED.status,
		remote_url = EXCLUDED.remote_url,
		attempts = EXCLUDED.attempts,
		last_error = EXCLUDED.last_error,
		updated_at = EXCLUDED.updated_at
	WHERE asset_jobs.status <> 'registered'`

const listJobsSQL = `SELECT order_id, asset_id, status, remote_url, attempts, last_error, updated_at
	FROM asset_jobs WHERE order_id = $1 ORDER BY asset_id`

var _ asset.Repository = (*JobRepository)(nil)

// JobRepository implements asset.Repository backed by PostgreSQL.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository returns a JobRepository that uses the given pool.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// ListByOrder returns all jobs of the order.
func (r *JobRepository) ListByOrder(ctx context.Context, orderID string) ([]asset.Job, error) {
	rows, err := r.pool.Query(ctx, listJobsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs of order %q: %w", orderID, err)
	}
	defer rows.Close()

	var jobs []asset.Job
	for rows.Next() {
		var (
			j      asset.Job
			status string
		)
		if err := rows.Scan(&j.OrderID, &j.AssetID, &status, &j.RemoteURL, &j.Attempts, &j.LastError, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		j.Status = asset.Status(status)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// Upsert stores the job unless it is already registered.
func (r *JobRepository) Upsert(ctx context.Context, j asset.Job) error {
	updated := j.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, upsertJobSQL,
		j.OrderID, j.AssetID, string(j.Status), j.RemoteURL, j.Attempts, j.LastError, updated,
	)
	if err != nil {
		return fmt.Errorf("upserting job %q/%q: %w", j.OrderID, j.AssetID, err)
	}
	return nil
}
