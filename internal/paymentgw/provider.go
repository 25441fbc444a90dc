package paymentgw

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/domain/payment"
)

var _ payment.Provider = (*Provider)(nil)

// Provider authorizes one payment method through the gateway.
type Provider struct {
	method order.PaymentMethod
	client *Client
}

// Method implements payment.Provider.
func (p *Provider) Method() order.PaymentMethod {
	return p.method
}

// Authorize creates an authorization and, when the gateway asks for user
// action, keeps the observer's modal open until the authorization settles.
func (p *Provider) Authorize(ctx context.Context, req payment.Request, obs payment.Observer) (string, error) {
	lg := p.client.lg.With(zap.String("order_id", req.OrderID), zap.String("method", string(p.method)))

	a, err := p.client.create(ctx, p.method, req)
	if err != nil {
		return "", errors.Wrap(err, "create authorization")
	}
	if a == nil {
		return "", errors.New("create authorization: empty response")
	}

	modal := false
	defer func() {
		if modal {
			obs.ModalDidFinish()
		}
	}()

	for {
		switch a.Status {
		case statusAuthorized:
			if a.Token == "" {
				return "", errors.Errorf("authorization %s without token", a.ID)
			}
			lg.Info("Payment authorized", zap.String("authorization_id", a.ID))
			return a.Token, nil
		case statusDeclined:
			if a.DeclineReason != "" {
				return "", errors.Wrap(payment.ErrDeclined, a.DeclineReason)
			}
			return "", payment.ErrDeclined
		case statusCancelled:
			return "", payment.ErrCancelled
		case statusRequiresAction:
			if !modal {
				modal = true
				obs.ModalWillAppear(payment.Action{Method: p.method, URL: a.ActionURL})
			}
		case statusProcessing:
		default:
			return "", errors.Errorf("authorization %s: unknown status %q", a.ID, a.Status)
		}

		if err := p.wait(ctx); err != nil {
			p.abort(ctx, lg, a.ID)
			return "", err
		}
		next, err := p.client.get(ctx, a.ID)
		if err != nil {
			if ctx.Err() != nil {
				p.abort(ctx, lg, a.ID)
				return "", ctx.Err()
			}
			return "", errors.Wrap(err, "get authorization")
		}
		if next == nil {
			return "", errors.Errorf("authorization %s: empty response", a.ID)
		}
		a = next
	}
}

func (p *Provider) wait(ctx context.Context) error {
	t := time.NewTimer(p.client.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// abort cancels an authorization the caller stopped waiting for.
func (p *Provider) abort(ctx context.Context, lg *zap.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.client.cancel(ctx, id); err != nil {
		lg.Warn("Failed to cancel authorization", zap.String("authorization_id", id), zap.Error(err))
	}
}

// Void implements payment.Provider.
func (p *Provider) Void(ctx context.Context, token string) error {
	if err := p.client.void(ctx, token); err != nil {
		return errors.Wrap(err, "void authorization")
	}
	return nil
}
