// Package payment defines the contract the checkout pipeline consumes to
// obtain and release payment authorizations.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/print-checkout/internal/domain/order"
)

// Sentinel errors returned by orchestrators and providers.
var (
	ErrDeclined          = errors.New("payment declined")
	ErrCancelled         = errors.New("payment cancelled by user")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
)

// Request describes the amount to authorize and the order inputs it was priced from.
type Request struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Fingerprint string
	Method      order.PaymentMethod
	// Source is the method-specific instrument reference, e.g. a tokenized card.
	Source string
}

// Action is an interaction the user has to complete outside the pipeline.
type Action struct {
	Method order.PaymentMethod
	// URL is where the user confirms the payment, empty for in-app sheets.
	URL string
}

// Observer is told when an authorization needs the user's attention.
// Calls may arrive on any goroutine.
type Observer interface {
	ModalWillAppear(Action)
	ModalDidFinish()
}

// NopObserver ignores modal notifications.
type NopObserver struct{}

func (NopObserver) ModalWillAppear(Action) {}
func (NopObserver) ModalDidFinish() {}

// Orchestrator authorizes payments for a priced order.
type Orchestrator interface {
	// Authorize returns an authorization for exactly req.Amount. It fails with
	// ErrDeclined, ErrCancelled or a provider error.
	Authorize(ctx context.Context, req Request, obs Observer) (*order.Authorization, error)
	// Release voids an authorization that will not be captured.
	Release(ctx context.Context, auth order.Authorization) error
}

// Provider talks to a single payment method's backend.
type Provider interface {
	Method() order.PaymentMethod
	// Authorize returns the opaque token for the authorized amount.
	Authorize(ctx context.Context, req Request, obs Observer) (string, error)
	Void(ctx context.Context, token string) error
}

// AttemptStatus is the outcome of an authorization attempt.
type AttemptStatus string

const (
	AttemptOpen      AttemptStatus = "open"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled"
	// AttemptAbandoned marks an attempt left open by a process that never
	// learned its outcome.
	AttemptAbandoned AttemptStatus = "abandoned"
)

// Attempt records one authorization try for an order.
type Attempt struct {
	ID          string
	OrderID     string
	Method      order.PaymentMethod
	Amount      decimal.Decimal
	Currency    string
	Fingerprint string
	Status      AttemptStatus
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// AttemptRepository persists authorization attempts.
type AttemptRepository interface {
	Begin(ctx context.Context, a Attempt) error
	// Finish stores the final status, error and finish time of the attempt.
	Finish(ctx context.Context, a Attempt) error
	// Open returns attempts of the order that never finished.
	Open(ctx context.Context, orderID string) ([]Attempt, error)
}
