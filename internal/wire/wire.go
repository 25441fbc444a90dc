// Package wire holds jx helpers shared by the JSON codecs of the service.
package wire

import (
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Decimal reads a money amount encoded either as a JSON string or number.
func Decimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(n))
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Decimal{}, errors.Errorf("unexpected %s for amount", d.Next())
	}
}

// Time reads an RFC 3339 timestamp. Null yields the zero time.
func Time(d *jx.Decoder) (time.Time, error) {
	if d.Next() == jx.Null {
		return time.Time{}, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Strings reads an array of strings.
func Strings(d *jx.Decoder) ([]string, error) {
	var out []string
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// StrField writes a string field, skipping it when empty.
func StrField(e *jx.Encoder, name, v string) {
	if v == "" {
		return
	}
	e.FieldStart(name)
	e.Str(v)
}

// DecimalField writes an amount as a JSON string to keep its precision.
func DecimalField(e *jx.Encoder, name string, v decimal.Decimal) {
	e.FieldStart(name)
	e.Str(v.StringFixed(2))
}

// TimeField writes an RFC 3339 timestamp, skipping nil.
func TimeField(e *jx.Encoder, name string, v *time.Time) {
	if v == nil {
		return
	}
	e.FieldStart(name)
	e.Str(v.UTC().Format(time.RFC3339Nano))
}

// StringsField writes an array of strings.
func StringsField(e *jx.Encoder, name string, v []string) {
	e.FieldStart(name)
	e.ArrStart()
	for _, s := range v {
		e.Str(s)
	}
	e.ArrEnd()
}

// ReadObject decodes a JSON object from r, calling fn for each field.
// Unknown fields must be skipped by fn.
func ReadObject(r io.Reader, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}
