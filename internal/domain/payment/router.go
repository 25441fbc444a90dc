package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/order"
)

var _ Orchestrator = (*Router)(nil)

// Router is an Orchestrator that dispatches to a Provider by payment method
// and keeps a durable record of every attempt.
type Router struct {
	providers map[order.PaymentMethod]Provider
	attempts  AttemptRepository
	lg        *zap.Logger
	now       func() time.Time
}

// NewRouter creates a Router over the given providers. A later provider for
// the same method replaces an earlier one.
func NewRouter(attempts AttemptRepository, lg *zap.Logger, providers ...Provider) *Router {
	m := make(map[order.PaymentMethod]Provider, len(providers))
	for _, p := range providers {
		m[p.Method()] = p
	}
	return &Router{
		providers: m,
		attempts:  attempts,
		lg:        lg,
		now:       time.Now,
	}
}

func (r *Router) provider(m order.PaymentMethod) (Provider, error) {
	p, ok := r.providers[m]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedMethod, "method %q", m)
	}
	return p, nil
}

// Authorize closes any attempt left open for the order, records a new one and
// runs the provider flow. The attempt outcome is stored even when ctx is
// cancelled.
func (r *Router) Authorize(ctx context.Context, req Request, obs Observer) (*order.Authorization, error) {
	p, err := r.provider(req.Method)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = NopObserver{}
	}
	lg := r.lg.With(zap.String("order_id", req.OrderID), zap.String("method", string(req.Method)))

	if err := r.abandonOpen(ctx, req.OrderID); err != nil {
		return nil, err
	}

	attempt := Attempt{
		ID:          uuid.NewString(),
		OrderID:     req.OrderID,
		Method:      req.Method,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Fingerprint: req.Fingerprint,
		Status:      AttemptOpen,
		StartedAt:   r.now(),
	}
	if err := r.attempts.Begin(ctx, attempt); err != nil {
		return nil, errors.Wrap(err, "begin attempt")
	}

	token, authErr := p.Authorize(ctx, req, obs)
	switch {
	case authErr == nil && token == "":
		authErr = errors.New("provider returned empty token")
		attempt.Status = AttemptFailed
	case authErr == nil:
		attempt.Status = AttemptSucceeded
	case errors.Is(authErr, ErrCancelled), errors.Is(authErr, context.Canceled):
		attempt.Status = AttemptCancelled
	default:
		attempt.Status = AttemptFailed
	}
	if authErr != nil {
		attempt.Error = authErr.Error()
	}
	finished := r.now()
	attempt.FinishedAt = &finished

	if err := r.attempts.Finish(context.WithoutCancel(ctx), attempt); err != nil {
		lg.Error("Finish payment attempt", zap.String("attempt_id", attempt.ID), zap.Error(err))
		if authErr == nil {
			// An authorization that is not on record is never captured.
			if vErr := p.Void(context.WithoutCancel(ctx), token); vErr != nil {
				lg.Warn("Void unrecorded authorization", zap.Error(vErr))
			}
		}
		return nil, errors.Wrap(err, "finish attempt")
	}

	if authErr != nil {
		lg.Warn("Payment authorization failed",
			zap.String("status", string(attempt.Status)),
			zap.Error(authErr),
		)
		return nil, authErr
	}

	lg.Info("Payment authorized", zap.String("amount", req.Amount.String()))
	return &order.Authorization{
		Token:        token,
		Method:       req.Method,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Fingerprint:  req.Fingerprint,
		AuthorizedAt: finished,
	}, nil
}

func (r *Router) abandonOpen(ctx context.Context, orderID string) error {
	open, err := r.attempts.Open(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "list open attempts")
	}
	for _, a := range open {
		now := r.now()
		a.Status = AttemptAbandoned
		a.FinishedAt = &now
		if err := r.attempts.Finish(ctx, a); err != nil {
			return errors.Wrapf(err, "abandon attempt %s", a.ID)
		}
		r.lg.Info("Abandoned dangling payment attempt",
			zap.String("order_id", orderID),
			zap.String("attempt_id", a.ID),
		)
	}
	return nil
}

// Release voids the authorization with the provider that issued it.
func (r *Router) Release(ctx context.Context, auth order.Authorization) error {
	p, err := r.provider(auth.Method)
	if err != nil {
		return err
	}
	if err := p.Void(ctx, auth.Token); err != nil {
		return errors.Wrap(err, "void authorization")
	}
	return nil
}

// HasOpenAttempt reports whether an authorization for the order was started
// and never finished, e.g. because the process died during a redirect.
func (r *Router) HasOpenAttempt(ctx context.Context, orderID string) (bool, error) {
	open, err := r.attempts.Open(ctx, orderID)
	if err != nil {
		return false, errors.Wrap(err, "list open attempts")
	}
	return len(open) > 0, nil
}
