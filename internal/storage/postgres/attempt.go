package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

const beginAttemptSQL = `INSERT INTO payment_attempts
	(id, order_id, method, amount, currency, fingerprint, status, error, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const finishAttemptSQL = `UPDATE payment_attempts
	SET status = $2, error = $3, finished_at = $4
	WHERE id = $1`

const openAttemptsSQL = `SELECT id, order_id, method, amount, currency, fingerprint, status, error, started_at, finished_at
	FROM payment_attempts WHERE order_id = $1 AND status = 'open' ORDER BY started_at`

var _ payment.AttemptRepository = (*AttemptRepository)(nil)

// AttemptRepository implements payment.AttemptRepository backed by PostgreSQL.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository returns an AttemptRepository that uses the given pool.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Begin records a new attempt.
func (r *AttemptRepository) Begin(ctx context.Context, a payment.Attempt) error {
	_, err := r.pool.Exec(ctx, beginAttemptSQL,
		a.ID, a.OrderID, string(a.Method), a.Amount, a.Currency, a.Fingerprint,
		string(a.Status), a.Error, a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("creating payment attempt %q: %w", a.ID, err)
	}
	return nil
}

// Finish stores the outcome of an attempt.
func (r *AttemptRepository) Finish(ctx context.Context, a payment.Attempt) error {
	tag, err := r.pool.Exec(ctx, finishAttemptSQL, a.ID, string(a.Status), a.Error, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("finishing payment attempt %q: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment attempt %q not found", a.ID)
	}
	return nil
}

// Open returns the attempts of the order that never finished.
func (r *AttemptRepository) Open(ctx context.Context, orderID string) ([]payment.Attempt, error) {
	rows, err := r.pool.Query(ctx, openAttemptsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying open attempts of order %q: %w", orderID, err)
	}
	defer rows.Close()

	var attempts []payment.Attempt
	for rows.Next() {
		var (
			a              payment.Attempt
			method, status string
		)
		err := rows.Scan(&a.ID, &a.OrderID, &method, &a.Amount, &a.Currency, &a.Fingerprint,
			&status, &a.Error, &a.StartedAt, &a.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		a.Method = order.PaymentMethod(method)
		a.Status = payment.AttemptStatus(status)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempt rows: %w", err)
	}
	return attempts, nil
}
