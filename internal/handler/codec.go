package handler

import (
	"io"

	"github.com/go-faster/jx"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/checkout"
	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/wire"
)

func decodeOrder(r io.Reader) (*order.Order, error) {
	o := &order.Order{PaymentMethod: order.PaymentNone}
	err := wire.ReadObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return err
				}
				o.Items = append(o.Items, item)
				return nil
			})
		case "delivery":
			o.Delivery, err = decodeDelivery(d)
		case "payment_method":
			var s string
			s, err = d.Str()
			o.PaymentMethod = order.PaymentMethod(s)
		case "payment_source":
			o.PaymentSource, err = d.Str()
		case "shipping_method":
			o.ShippingMethod, err = d.Str()
		case "promo_code":
			o.PromoCode, err = d.Str()
		case "currency":
			o.Currency, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, badRequest("malformed order: %v", err)
	}
	return o, nil
}

func decodeItem(d *jx.Decoder) (order.LineItem, error) {
	var item order.LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		case "asset_ids":
			item.AssetIDs, err = wire.Strings(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return item, err
}

func decodeDelivery(d *jx.Decoder) (order.Delivery, error) {
	var v order.Delivery
	fields := map[string]*string{
		"name":         &v.Name,
		"line1":        &v.Line1,
		"line2":        &v.Line2,
		"city":         &v.City,
		"postcode":     &v.Postcode,
		"country_code": &v.CountryCode,
		"email":        &v.Email,
		"phone":        &v.Phone,
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		dst, ok := fields[key]
		if !ok || d.Next() == jx.Null {
			return d.Skip()
		}
		s, err := d.Str()
		*dst = s
		return err
	})
	return v, err
}

func decodePromo(r io.Reader) (string, error) {
	var (
		code  string
		found bool
	)
	err := wire.ReadObject(r, func(d *jx.Decoder, key string) error {
		if key != "promo_code" {
			return d.Skip()
		}
		found = true
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		code, err = d.Str()
		return err
	})
	if err != nil {
		return "", badRequest("malformed promo request: %v", err)
	}
	if !found {
		return "", badRequest("promo_code is required")
	}
	return code, nil
}

func encodeSnapshot(e *jx.Encoder, s checkout.Snapshot) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(s.OrderID)
	wire.StrField(e, "state", string(s.State))
	e.FieldStart("running")
	e.Bool(s.Running)

	if s.Err != nil {
		e.FieldStart("error")
		e.ObjStart()
		e.FieldStart("kind")
		e.Str(string(s.Err.Kind))
		e.FieldStart("message")
		e.Str(userMessage(s.Err))
		e.FieldStart("retryable")
		e.Bool(s.Err.Retryable())
		e.ObjEnd()
	}

	e.FieldStart("progress")
	e.ObjStart()
	e.FieldStart("registered")
	e.Int(s.Progress.Registered)
	e.FieldStart("total")
	e.Int(s.Progress.Total)
	e.ObjEnd()

	e.FieldStart("assets")
	e.ArrStart()
	for _, j := range s.Jobs {
		encodeJob(e, j)
	}
	e.ArrEnd()

	if s.PaymentAction != nil {
		e.FieldStart("payment_action")
		e.ObjStart()
		e.FieldStart("method")
		e.Str(string(s.PaymentAction.Method))
		wire.StrField(e, "url", s.PaymentAction.URL)
		e.ObjEnd()
	}

	if s.Order != nil {
		e.FieldStart("order")
		encodeOrder(e, s.Order)
	}
	e.ObjEnd()
}

// userMessage hides internal error details for kinds that carry no
// service-supplied message.
func userMessage(err *checkout.Error) string {
	if err.Message != "" {
		return err.Message
	}
	switch err.Kind {
	case checkout.KindUpload:
		return "Some images failed to upload."
	case checkout.KindUploadProcessing:
		return "The images could not be processed."
	case checkout.KindPayment:
		return "The payment could not be authorized."
	case checkout.KindCancelled:
		return "Processing was cancelled."
	default:
		return "The order could not be submitted."
	}
}

func encodeJob(e *jx.Encoder, j asset.Job) {
	e.ObjStart()
	e.FieldStart("asset_id")
	e.Str(j.AssetID)
	e.FieldStart("status")
	e.Str(string(j.Status))
	wire.StrField(e, "remote_url", j.RemoteURL)
	e.FieldStart("attempts")
	e.Int(j.Attempts)
	wire.StrField(e, "last_error", j.LastError)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("items")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(item.ProductID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		wire.StringsField(e, "asset_ids", item.AssetIDs)
		e.ObjEnd()
	}
	e.ArrEnd()

	d := o.Delivery
	e.FieldStart("delivery")
	e.ObjStart()
	wire.StrField(e, "name", d.Name)
	wire.StrField(e, "line1", d.Line1)
	wire.StrField(e, "line2", d.Line2)
	wire.StrField(e, "city", d.City)
	wire.StrField(e, "postcode", d.Postcode)
	wire.StrField(e, "country_code", d.CountryCode)
	wire.StrField(e, "email", d.Email)
	wire.StrField(e, "phone", d.Phone)
	e.ObjEnd()

	e.FieldStart("payment_method")
	e.Str(string(o.PaymentMethod))
	wire.StrField(e, "shipping_method", o.ShippingMethod)
	wire.StrField(e, "promo_code", o.PromoCode)
	e.FieldStart("currency")
	e.Str(o.Currency)

	if o.CostValid() {
		c := o.Cost
		e.FieldStart("cost")
		e.ObjStart()
		wire.DecimalField(e, "shipping", c.Shipping)
		wire.DecimalField(e, "discount", c.Discount)
		wire.DecimalField(e, "total", c.Total)
		e.FieldStart("currency")
		e.Str(c.Currency)
		wire.StrField(e, "promo_invalid_reason", c.PromoInvalidReason)
		e.ObjEnd()
	}
	e.FieldStart("authorized")
	e.Bool(o.AuthorizationValid())
	wire.StrField(e, "remote_order_id", o.RemoteOrderID)
	wire.TimeField(e, "started_at", o.StartedAt)
	wire.TimeField(e, "submitted_at", o.SubmittedAt)
	wire.TimeField(e, "cancelled_at", o.CancelledAt)
	wire.TimeField(e, "created_at", &o.CreatedAt)
	e.ObjEnd()
}
