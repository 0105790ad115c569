package handler

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const maxBody = 1 << 20

var errBodyTooLarge = apperr.New(apperr.Validation, "request body is too large")

// decodeBody walks the request's JSON object, calling fn per field. An empty
// body decodes as an empty object.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return apperr.Wrap(apperr.Validation, err, "read body")
	}
	if len(body) > maxBody {
		return errBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		if apperr.KindOf(err) != apperr.Unknown {
			return err
		}
		return apperr.Wrap(apperr.Validation, err, "malformed body")
	}
	return nil
}

func decodeAddress(d *jx.Decoder) (order.Address, error) {
	var a order.Address
	fields := map[string]*string{
		"name":        &a.Name,
		"line1":       &a.Line1,
		"line2":       &a.Line2,
		"city":        &a.City,
		"state":       &a.State,
		"postal_code": &a.PostalCode,
		"country":     &a.Country,
		"phone":       &a.Phone,
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		dst, ok := fields[key]
		if !ok {
			return d.Skip()
		}
		s, err := d.Str()
		*dst = s
		return err
	})
	return a, err
}

// queryLimit parses the limit query parameter, returning def when absent.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Errorf(apperr.Validation, "invalid limit %q", raw)
	}
	return n, nil
}
