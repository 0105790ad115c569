// Package codec holds the jx readers and writers shared by the HTTP API and
// the bulk import tools.
package codec

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Decimal reads an amount given as a JSON string or number.
func Decimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	default:
		return decimal.Zero, errors.Errorf("expected amount, got %s", tt)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperr.Errorf(apperr.Validation, "invalid amount %q", raw)
	}
	return v, nil
}

// Time reads an RFC 3339 timestamp or null.
func Time(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, apperr.Errorf(apperr.Validation, "invalid time %q, want RFC 3339", s)
	}
	return &t, nil
}

// Strings reads an array of strings.
func Strings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

// StringMap reads an object of string values.
func StringMap(d *jx.Decoder) (map[string]string, error) {
	out := make(map[string]string)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		s, err := d.Str()
		out[key] = s
		return err
	})
	return out, err
}
