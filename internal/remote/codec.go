package remote

import (
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"

	"github.com/xenking/print-checkout/internal/domain/order"
	"github.com/xenking/print-checkout/internal/wire"
)

func encodeCostRequest(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("currency")
	e.Str(o.Currency)
	wire.StrField(e, "shipping_method", o.ShippingMethod)
	wire.StrField(e, "promo_code", o.PromoCode)
	e.FieldStart("country_code")
	e.Str(strings.ToUpper(o.Delivery.CountryCode))
	e.FieldStart("items")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(item.ProductID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func decodeCost(r io.Reader) (*order.Cost, error) {
	cost := &order.Cost{}
	err := wire.ReadObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "lines":
			err = d.Arr(func(d *jx.Decoder) error {
				line, err := decodePricedLine(d)
				if err != nil {
					return err
				}
				cost.Lines = append(cost.Lines, line)
				return nil
			})
		case "shipping":
			cost.Shipping, err = wire.Decimal(d)
		case "discount":
			cost.Discount, err = wire.Decimal(d)
		case "total":
			cost.Total, err = wire.Decimal(d)
		case "currency":
			cost.Currency, err = d.Str()
		case "promo_invalid_reason":
			if d.Next() == jx.Null {
				return d.Null()
			}
			cost.PromoInvalidReason, err = d.Str()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return nil, err
	}
	if cost.Currency == "" {
		return nil, errors.New("cost without currency")
	}
	return cost, nil
}

func decodePricedLine(d *jx.Decoder) (order.PricedLine, error) {
	var line order.PricedLine
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			line.ProductID, err = d.Str()
		case "quantity":
			line.Quantity, err = d.Int()
		case "price":
			line.Price, err = wire.Decimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return line, err
}

func encodeSubmitRequest(e *jx.Encoder, req order.SubmitRequest) error {
	o := req.Order
	if o.Cost == nil {
		return errors.New("order has no cost")
	}

	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("currency")
	e.Str(o.Cost.Currency)
	wire.DecimalField(e, "total", o.Cost.Total)
	wire.StrField(e, "shipping_method", o.ShippingMethod)
	wire.StrField(e, "promo_code", o.PromoCode)
	wire.StrField(e, "payment_token", req.PaymentToken)

	e.FieldStart("items")
	e.ArrStart()
	for _, item := range o.Items {
		urls := make([]string, 0, len(item.AssetIDs))
		for _, id := range item.AssetIDs {
			u, ok := req.AssetURLs[id]
			if !ok {
				return errors.Errorf("asset %s is not registered", id)
			}
			urls = append(urls, u)
		}
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(item.ProductID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		wire.StringsField(e, "assets", urls)
		e.ObjEnd()
	}
	e.ArrEnd()

	d := o.Delivery
	e.FieldStart("delivery")
	e.ObjStart()
	e.FieldStart("name")
	e.Str(d.Name)
	e.FieldStart("line1")
	e.Str(d.Line1)
	wire.StrField(e, "line2", d.Line2)
	e.FieldStart("city")
	e.Str(d.City)
	e.FieldStart("postcode")
	e.Str(d.Postcode)
	e.FieldStart("country_code")
	e.Str(strings.ToUpper(d.CountryCode))
	e.FieldStart("email")
	e.Str(d.Email)
	wire.StrField(e, "phone", d.Phone)
	e.ObjEnd()

	e.ObjEnd()
	return nil
}

func decodeSubmission(r io.Reader) (*order.Submission, error) {
	sub := &order.Submission{}
	err := wire.ReadObject(r, func(d *jx.Decoder, key string) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var (
			s   string
			err error
		)
		switch key {
		case "status", "order_id", "poll_token", "message":
			s, err = d.Str()
		default:
			return d.Skip()
		}
		switch key {
		case "status":
			sub.Status = order.SubmissionStatus(s)
		case "order_id":
			sub.RemoteOrderID = s
		case "poll_token":
			sub.PollToken = s
		case "message":
			sub.Message = s
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case "", order.SubmissionAccepted, order.SubmissionPending, order.SubmissionRejected:
		return sub, nil
	default:
		return nil, errors.Errorf("unknown submission status %q", sub.Status)
	}
}

// gzipStream compresses r on the fly.
func gzipStream(r io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		zw := pgzip.NewWriter(pw)
		_, err := io.Copy(zw, r)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()
	return pr
}
