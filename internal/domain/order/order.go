package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order lookup and validation.
var (
	ErrNotFound   = errors.New("order not found")
	ErrEmptyItems = errors.New("items required")
)

// PaymentMethod selects how the order total is authorized.
type PaymentMethod string

const (
	// PaymentCard authorizes a tokenized card, possibly with step-up authentication.
	PaymentCard PaymentMethod = "card"
	// PaymentWallet authorizes through a wallet payment sheet.
	PaymentWallet PaymentMethod = "wallet"
	// PaymentRedirect authorizes through a redirect-based third-party flow.
	PaymentRedirect PaymentMethod = "redirect"
	// PaymentNone is used when no method has been chosen yet.
	PaymentNone PaymentMethod = "none"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentWallet, PaymentRedirect, PaymentNone:
		return true
	default:
		return false
	}
}

// Order is the mutable purchase record driven through checkout.
type Order struct {
	ID             string
	Items          []LineItem
	Delivery       Delivery
	PaymentMethod  PaymentMethod
	PaymentSource  string
	ShippingMethod string
	PromoCode      string
	Currency       string

	// Cost is the last priced quote. It is only usable while Cost.ValidFor
	// reports true for this order.
	Cost *Cost
	// Authorization is attached after a successful payment authorization and
	// kept, even when stale, until it is explicitly released.
	Authorization *Authorization

	// RemoteOrderID is set once the order service durably accepted the order.
	RemoteOrderID string
	// PollToken is set while the order service confirms a submission asynchronously.
	PollToken string

	StartedAt   *time.Time
	SubmittedAt *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LineItem is a single product in the order together with the assets it prints.
type LineItem struct {
	ProductID string   `json:"product_id" validate:"required"`
	Quantity  int      `json:"quantity" validate:"gt=0"`
	AssetIDs  []string `json:"asset_ids" validate:"dive,required"`
}

// Delivery holds the recipient name, address and contact details.
type Delivery struct {
	Name        string `json:"name" validate:"required"`
	Line1       string `json:"line1" validate:"required"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city" validate:"required"`
	Postcode    string `json:"postcode" validate:"required"`
	CountryCode string `json:"country_code" validate:"required,iso3166_1_alpha2"`
	Email       string `json:"email" validate:"required,email"`
	Phone       string `json:"phone,omitempty"`
}

// Authorization is the opaque payment token together with the exact amount
// and order fingerprint it was obtained for.
type Authorization struct {
	Token        string          `json:"token"`
	Method       PaymentMethod   `json:"method"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Fingerprint  string          `json:"fingerprint"`
	AuthorizedAt time.Time       `json:"authorized_at"`
}

// AssetIDs returns the distinct asset identifiers referenced by all items,
// in the order they are first seen.
func (o *Order) AssetIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, item := range o.Items {
		for _, id := range item.AssetIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// CostValid reports whether the cached cost was computed from the current inputs.
func (o *Order) CostValid() bool {
	return o.Cost != nil && o.Cost.ValidFor(o)
}

// AuthorizationValid reports whether the attached authorization covers the
// exact amount of the current, valid cost.
func (o *Order) AuthorizationValid() bool {
	if o.Authorization == nil || !o.CostValid() {
		return false
	}
	a := o.Authorization
	return a.Fingerprint == o.Cost.Fingerprint &&
		a.Amount.Equal(o.Cost.Total) &&
		a.Currency == o.Cost.Currency
}

// Submitted reports whether the order service already holds this order,
// either accepted or awaiting confirmation. A submitted order is never sent again.
func (o *Order) Submitted() bool {
	return o.RemoteOrderID != "" || o.PollToken != ""
}

// Completed reports whether the order reached its terminal success state.
func (o *Order) Completed() bool {
	return o.RemoteOrderID != "" && o.SubmittedAt != nil
}

// Cancelled reports whether processing was explicitly cancelled.
func (o *Order) Cancelled() bool {
	return o.CancelledAt != nil
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	for i, item := range o.Items {
		item.AssetIDs = append([]string(nil), item.AssetIDs...)
		c.Items[i] = item
	}
	if o.Cost != nil {
		cost := *o.Cost
		cost.Lines = append([]PricedLine(nil), o.Cost.Lines...)
		c.Cost = &cost
	}
	if o.Authorization != nil {
		auth := *o.Authorization
		c.Authorization = &auth
	}
	c.StartedAt = cloneTime(o.StartedAt)
	c.SubmittedAt = cloneTime(o.SubmittedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SetPromoCode changes the promo code. A changed code alters the fingerprint,
// which invalidates the cached cost and any authorization obtained for it.
func (o *Order) SetPromoCode(code string) {
	o.PromoCode = code
}

// SetShippingMethod changes the shipping method.
func (o *Order) SetShippingMethod(method string) {
	o.ShippingMethod = method
}

// SetDelivery replaces the delivery details.
func (o *Order) SetDelivery(d Delivery) {
	o.Delivery = d
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Save(ctx context.Context, o *Order) error
	// ListActive returns orders whose processing started but has neither
	// completed nor been cancelled.
	ListActive(ctx context.Context) ([]*Order, error)
}
