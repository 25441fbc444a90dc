package order

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Cost is a priced quote for an order, tied to the inputs it was computed from.
type Cost struct {
	Fingerprint string          `json:"fingerprint"`
	Lines       []PricedLine    `json:"lines"`
	Shipping    decimal.Decimal `json:"shipping"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	// PromoInvalidReason explains why the promo code was not applied.
	PromoInvalidReason string `json:"promo_invalid_reason,omitempty"`
}

// PricedLine is the price of a single line item.
type PricedLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// ValidFor reports whether the cost was computed from o's current priced inputs.
func (c *Cost) ValidFor(o *Order) bool {
	return c.Fingerprint != "" && c.Fingerprint == o.Fingerprint()
}

// Free reports whether nothing is left to pay.
func (c *Cost) Free() bool {
	return !c.Total.IsPositive()
}

// Fingerprint returns a digest over the order inputs that affect its price:
// currency, shipping method, destination country, promo code and the product
// and quantity of every item, in order.
func (o *Order) Fingerprint() string {
	var b strings.Builder
	field := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	field(o.Currency)
	field(o.ShippingMethod)
	field(strings.ToUpper(o.Delivery.CountryCode))
	field(o.PromoCode)
	for _, item := range o.Items {
		field(item.ProductID)
		field(strconv.Itoa(item.Quantity))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
