package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/print-checkout/internal/domain/order"
)

const orderColumns = `id, items, delivery, payment_method, payment_source, shipping_method,
	promo_code, currency, cost, payment_auth, remote_order_id, poll_token,
	started_at, submitted_at, cancelled_at, created_at, updated_at`

const createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const saveOrderSQL = `UPDATE orders SET
	items = $2, delivery = $3, payment_method = $4, payment_source = $5,
	shipping_method = $6, promo_code = $7, currency = $8, cost = $9, payment_auth = $10,
	remote_order_id = $11, poll_token = $12, started_at = $13, submitted_at = $14,
	cancelled_at = $15, updated_at = $16
	WHERE id = $1`

const getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

const listActiveOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE started_at IS NOT NULL AND remote_order_id = '' AND cancelled_at IS NULL
	ORDER BY started_at`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Items,
// delivery details, cost and authorization are stored as JSONB.
type OrderRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool, now: time.Now}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	now := r.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	args, err := orderArgs(o)
	if err != nil {
		return fmt.Errorf("encoding order %q: %w", o.ID, err)
	}
	if _, err := r.pool.Exec(ctx, createOrderSQL, args...); err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns the order by id, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order %q: %w", id, err)
	}
	return o, nil
}

// Save overwrites the stored order.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	o.UpdatedAt = r.now().UTC()

	args, err := orderArgs(o)
	if err != nil {
		return fmt.Errorf("encoding order %q: %w", o.ID, err)
	}
	// created_at is immutable.
	args = append(args[:15], args[16])
	tag, err := r.pool.Exec(ctx, saveOrderSQL, args...)
	if err != nil {
		return fmt.Errorf("saving order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListActive returns orders that started processing and were neither
// accepted remotely nor cancelled, oldest first.
func (r *OrderRepository) ListActive(ctx context.Context) ([]*order.Order, error) {
	rows, err := r.pool.Query(ctx, listActiveOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("querying active orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order rows: %w", err)
	}
	return orders, nil
}

func orderArgs(o *order.Order) ([]any, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, err
	}
	delivery, err := json.Marshal(o.Delivery)
	if err != nil {
		return nil, err
	}
	cost, err := nullableJSON(o.Cost)
	if err != nil {
		return nil, err
	}
	auth, err := nullableJSON(o.Authorization)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID, items, delivery, string(o.PaymentMethod), o.PaymentSource, o.ShippingMethod,
		o.PromoCode, o.Currency, cost, auth, o.RemoteOrderID, o.PollToken,
		o.StartedAt, o.SubmittedAt, o.CancelledAt, o.CreatedAt, o.UpdatedAt,
	}, nil
}

func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o                           order.Order
		method                      string
		items, delivery, cost, auth []byte
	)
	err := row.Scan(
		&o.ID, &items, &delivery, &method, &o.PaymentSource, &o.ShippingMethod,
		&o.PromoCode, &o.Currency, &cost, &auth, &o.RemoteOrderID, &o.PollToken,
		&o.StartedAt, &o.SubmittedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = order.PaymentMethod(method)

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}
	if err := json.Unmarshal(delivery, &o.Delivery); err != nil {
		return nil, fmt.Errorf("unmarshaling delivery: %w", err)
	}
	if cost != nil {
		o.Cost = &order.Cost{}
		if err := json.Unmarshal(cost, o.Cost); err != nil {
			return nil, fmt.Errorf("unmarshaling cost: %w", err)
		}
	}
	if auth != nil {
		o.Authorization = &order.Authorization{}
		if err := json.Unmarshal(auth, o.Authorization); err != nil {
			return nil, fmt.Errorf("unmarshaling authorization: %w", err)
		}
	}
	return &o, nil
}
