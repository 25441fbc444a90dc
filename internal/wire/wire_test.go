package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "string", input: `"12.50"`, want: "12.5"},
		{name: "number", input: `7.25`, want: "7.25"},
		{name: "integer", input: `3`, want: "3"},
		{name: "null", input: `null`, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decimal(jx.DecodeStr(tt.input))
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), got.String())
		})
	}

	_, err := Decimal(jx.DecodeStr(`true`))
	assert.Error(t, err)
}

func TestEncodeObject(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	var e jx.Encoder
	e.ObjStart()
	StrField(&e, "id", "o1")
	StrField(&e, "empty", "")
	DecimalField(&e, "total", decimal.RequireFromString("9.5"))
	TimeField(&e, "at", &ts)
	TimeField(&e, "never", nil)
	StringsField(&e, "ids", []string{"a", "b"})
	e.ObjEnd()

	assert.JSONEq(t, `{"id":"o1","total":"9.50","at":"2026-03-01T10:30:00Z","ids":["a","b"]}`, string(e.Bytes()))
}

func TestReadObject(t *testing.T) {
	var (
		id  string
		ids []string
		at  time.Time
	)
	err := ReadObject(strings.NewReader(`{"id":"x","ids":["a"],"at":"2026-03-01T10:30:00Z","extra":{"k":1}}`),
		func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				id, err = d.Str()
			case "ids":
				ids, err = Strings(d)
			case "at":
				at, err = Time(d)
			default:
				err = d.Skip()
			}
			return err
		})
	require.NoError(t, err)
	assert.Equal(t, "x", id)
	assert.Equal(t, []string{"a"}, ids)
	assert.Equal(t, 2026, at.Year())

	assert.Error(t, ReadObject(strings.NewReader(`[1]`), func(d *jx.Decoder, _ string) error { return d.Skip() }))
}
