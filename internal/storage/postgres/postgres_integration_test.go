//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting postgres: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrating: %v\n", err)
		return 1
	}
	return m.Run()
}

func newOrder(id string) *order.Order {
	return &order.Order{
		ID: id,
		Items: []order.LineItem{
			{ProductID: "print-4x6", Quantity: 2, AssetIDs: []string{"a1", "a2"}},
		},
		Delivery: order.Delivery{
			Name:        "Ada Lovelace",
			Line1:       "1 Main St",
			City:        "Springfield",
			Postcode:    "12345",
			CountryCode: "US",
			Email:       "ada@example.com",
		},
		PaymentMethod: order.PaymentCard,
		Currency:      "USD",
	}
}

func TestOrderRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)

	o := newOrder("pg-order-1")
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, got.Items)
	assert.Equal(t, o.Delivery, got.Delivery)
	assert.Nil(t, got.Cost)
	assert.Nil(t, got.Authorization)

	started := time.Now().UTC().Truncate(time.Microsecond)
	got.StartedAt = &started
	got.Cost = &order.Cost{
		Fingerprint: got.Fingerprint(),
		Total:       decimal.RequireFromString("12.50"),
		Currency:    "USD",
	}
	got.Authorization = &order.Authorization{
		Token:       "tok_1",
		Method:      order.PaymentCard,
		Amount:      got.Cost.Total,
		Currency:    "USD",
		Fingerprint: got.Cost.Fingerprint,
	}
	require.NoError(t, repo.Save(ctx, got))

	reloaded, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.CostValid())
	assert.True(t, reloaded.AuthorizationValid())
	require.NotNil(t, reloaded.StartedAt)
	assert.True(t, started.Equal(*reloaded.StartedAt))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(active), o.ID)

	reloaded.RemoteOrderID = "R-1"
	require.NoError(t, repo.Save(ctx, reloaded))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids(active), o.ID)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.ErrorIs(t, repo.Save(ctx, newOrder("missing")), order.ErrNotFound)
}

func TestJobRepository_RegisteredIsFinal(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewOrderRepository(testPool).Create(ctx, newOrder("pg-order-2")))
	repo := NewJobRepository(testPool)

	require.NoError(t, repo.Upsert(ctx, asset.Job{OrderID: "pg-order-2", AssetID: "a1", Status: asset.StatusPending}))
	require.NoError(t, repo.Upsert(ctx, asset.Job{OrderID: "pg-order-2", AssetID: "a1", Status: asset.StatusRegistered, RemoteURL: "https://cdn/a1", Attempts: 1}))
	require.NoError(t, repo.Upsert(ctx, asset.Job{OrderID: "pg-order-2", AssetID: "a1", Status: asset.StatusFailed, LastError: "late"}))
	require.NoError(t, repo.Upsert(ctx, asset.Job{OrderID: "pg-order-2", AssetID: "a2", Status: asset.StatusFailed, LastError: "timeout"}))

	jobs, err := repo.ListByOrder(ctx, "pg-order-2")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, asset.StatusRegistered, jobs[0].Status)
	assert.Equal(t, "https://cdn/a1", jobs[0].RemoteURL)
	assert.Equal(t, asset.StatusFailed, jobs[1].Status)
	assert.Equal(t, "timeout", jobs[1].LastError)
}

func TestAttemptRepository(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewOrderRepository(testPool).Create(ctx, newOrder("pg-order-3")))
	repo := NewAttemptRepository(testPool)

	a := payment.Attempt{
		ID:          "att-1",
		OrderID:     "pg-order-3",
		Method:      order.PaymentWallet,
		Amount:      decimal.RequireFromString("9.99"),
		Currency:    "USD",
		Fingerprint: "fp",
		Status:      payment.AttemptOpen,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Begin(ctx, a))

	open, err := repo.Open(ctx, "pg-order-3")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Amount.Equal(a.Amount))
	assert.Equal(t, order.PaymentWallet, open[0].Method)

	finished := time.Now().UTC()
	a.Status = payment.AttemptSucceeded
	a.FinishedAt = &finished
	require.NoError(t, repo.Finish(ctx, a))

	open, err = repo.Open(ctx, "pg-order-3")
	require.NoError(t, err)
	assert.Empty(t, open)

	a.ID = "att-missing"
	assert.Error(t, repo.Finish(ctx, a))
}

func ids(orders []*order.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}
