package payment

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/order"
)

// --- Mock implementations ---

type memAttempts struct {
	mu       sync.Mutex
	attempts map[string]Attempt
	order    []string
}

func newMemAttempts() *memAttempts {
	return &memAttempts{attempts: make(map[string]Attempt)}
}

func (m *memAttempts) Begin(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a
	m.order = append(m.order, a.ID)
	return nil
}

func (m *memAttempts) Finish(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		return errors.New("unknown attempt")
	}
	m.attempts[a.ID] = a
	return nil
}

func (m *memAttempts) Open(_ context.Context, orderID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, id := range m.order {
		a := m.attempts[id]
		if a.OrderID == orderID && a.Status == AttemptOpen {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttempts) all() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.attempts[id])
	}
	return out
}

type fakeProvider struct {
	method order.PaymentMethod
	token  string
	err    error
	modal  bool
	voided []string
}

func (p *fakeProvider) Method() order.PaymentMethod { return p.method }

func (p *fakeProvider) Authorize(_ context.Context, req Request, obs Observer) (string, error) {
	if p.modal {
		obs.ModalWillAppear(Action{Method: req.Method, URL: "https://pay.example.com/confirm"})
		defer obs.ModalDidFinish()
	}
	return p.token, p.err
}

func (p *fakeProvider) Void(_ context.Context, token string) error {
	p.voided = append(p.voided, token)
	return nil
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) ModalWillAppear(a Action) { o.events = append(o.events, "appear:"+a.URL) }
func (o *recordingObserver) ModalDidFinish() { o.events = append(o.events, "finish") }

func walletRequest() Request {
	return Request{
		OrderID:     "o1",
		Amount:      decimal.RequireFromString("24.50"),
		Currency:    "EUR",
		Fingerprint: "fp-1",
		Method:      order.PaymentWallet,
	}
}

// --- Tests ---

func TestRouter_AuthorizeSuccess(t *testing.T) {
	attempts := newMemAttempts()
	wallet := &fakeProvider{method: order.PaymentWallet, token: "tok_w", modal: true}
	r := NewRouter(attempts, zap.NewNop(), wallet)
	obs := &recordingObserver{}

	auth, err := r.Authorize(context.Background(), walletRequest(), obs)
	require.NoError(t, err)
	assert.Equal(t, "tok_w", auth.Token)
	assert.Equal(t, order.PaymentWallet, auth.Method)
	assert.True(t, auth.Amount.Equal(decimal.RequireFromString("24.5")))
	assert.Equal(t, "EUR", auth.Currency)
	assert.Equal(t, "fp-1", auth.Fingerprint)
	assert.Equal(t, []string{"appear:https://pay.example.com/confirm", "finish"}, obs.events)

	all := attempts.all()
	require.Len(t, all, 1)
	assert.Equal(t, AttemptSucceeded, all[0].Status)
	assert.NotNil(t, all[0].FinishedAt)

	open, err := r.HasOpenAttempt(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestRouter_AuthorizeOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		err        error
		wantErr    error
		wantStatus AttemptStatus
	}{
		{name: "declined", err: errors.Wrap(ErrDeclined, "insufficient funds"), wantErr: ErrDeclined, wantStatus: AttemptFailed},
		{name: "user cancelled", err: ErrCancelled, wantErr: ErrCancelled, wantStatus: AttemptCancelled},
		{name: "context cancelled", err: context.Canceled, wantErr: context.Canceled, wantStatus: AttemptCancelled},
		{name: "empty token", token: "", wantStatus: AttemptFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := newMemAttempts()
			r := NewRouter(attempts, zap.NewNop(), &fakeProvider{method: order.PaymentWallet, token: tt.token, err: tt.err})

			auth, err := r.Authorize(context.Background(), walletRequest(), nil)
			require.Error(t, err)
			assert.Nil(t, auth)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			all := attempts.all()
			require.Len(t, all, 1)
			assert.Equal(t, tt.wantStatus, all[0].Status)
			assert.NotEmpty(t, all[0].Error)
		})
	}
}

func TestRouter_UnsupportedMethod(t *testing.T) {
	r := NewRouter(newMemAttempts(), zap.NewNop(), &fakeProvider{method: order.PaymentCard, token: "t"})

	_, err := r.Authorize(context.Background(), walletRequest(), nil)
	require.ErrorIs(t, err, ErrUnsupportedMethod)

	err = r.Release(context.Background(), order.Authorization{Method: order.PaymentRedirect, Token: "t"})
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestRouter_AbandonsDanglingAttempt(t *testing.T) {
	attempts := newMemAttempts()
	ctx := context.Background()
	require.NoError(t, attempts.Begin(ctx, Attempt{ID: "stale", OrderID: "o1", Method: order.PaymentRedirect, Status: AttemptOpen}))
	require.NoError(t, attempts.Begin(ctx, Attempt{ID: "other", OrderID: "o2", Method: order.PaymentRedirect, Status: AttemptOpen}))

	r := NewRouter(attempts, zap.NewNop(), &fakeProvider{method: order.PaymentWallet, token: "tok"})

	open, err := r.HasOpenAttempt(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, open)

	_, err = r.Authorize(ctx, walletRequest(), nil)
	require.NoError(t, err)

	all := attempts.all()
	require.Len(t, all, 3)
	assert.Equal(t, AttemptAbandoned, all[0].Status)
	assert.Equal(t, AttemptOpen, all[1].Status, "attempts of other orders are untouched")
	assert.Equal(t, AttemptSucceeded, all[2].Status)

	open, err = r.HasOpenAttempt(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestRouter_Release(t *testing.T) {
	card := &fakeProvider{method: order.PaymentCard}
	wallet := &fakeProvider{method: order.PaymentWallet}
	r := NewRouter(newMemAttempts(), zap.NewNop(), card, wallet)

	require.NoError(t, r.Release(context.Background(), order.Authorization{Method: order.PaymentCard, Token: "tok_c"}))
	assert.Equal(t, []string{"tok_c"}, card.voided)
	assert.Empty(t, wallet.voided)
}
