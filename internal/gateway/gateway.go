// Package gateway talks to the external settlement provider that handles
// card, PayPal and mobile wallet payments.
//
// The provider speaks a small JSON protocol:
//
//	POST /v1/charges  {"reference","method","amount","currency","customer","details"}
//	POST /v1/refunds  {"transaction_id","amount"}
//
// Both answer {"success","transaction_id","fee","message"}. A declined charge
// is a 200 with success=false; any non-2xx status is a provider failure.
package gateway

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	chargePath = "/v1/charges"
	refundPath = "/v1/refunds"
)

type refundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
}

func encodeCharge(e *jx.Encoder, c payment.Charge) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(c.Reference) })
		e.Field("method", func(e *jx.Encoder) { e.Str(string(c.Method)) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(c.Amount.StringFixed(2)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(c.Currency) })
		e.Field("customer", func(e *jx.Encoder) { e.Str(c.Customer) })
		if len(c.Details) > 0 {
			e.Field("details", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					for k, v := range c.Details {
						e.Field(k, func(e *jx.Encoder) { e.Str(v) })
					}
				})
			})
		}
	})
}

func decodeCharge(d *jx.Decoder) (payment.Charge, error) {
	var c payment.Charge
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "reference":
			c.Reference, err = d.Str()
		case "method":
			var m string
			m, err = d.Str()
			c.Method = payment.Method(m)
		case "amount":
			c.Amount, err = decodeAmount(d)
		case "currency":
			c.Currency, err = d.Str()
		case "customer":
			c.Customer, err = d.Str()
		case "details":
			c.Details = make(map[string]string)
			err = d.ObjBytes(func(d *jx.Decoder, k []byte) error {
				v, err := d.Str()
				c.Details[string(k)] = v
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
	return c, err
}

func encodeRefund(e *jx.Encoder, r refundRequest) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("transaction_id", func(e *jx.Encoder) { e.Str(r.TransactionID) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(r.Amount.StringFixed(2)) })
	})
}

func decodeRefund(d *jx.Decoder) (refundRequest, error) {
	var r refundRequest
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "transaction_id":
			r.TransactionID, err = d.Str()
		case "amount":
			r.Amount, err = decodeAmount(d)
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
	return r, err
}

func encodeResult(e *jx.Encoder, r payment.GatewayResult) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(r.Success) })
		if r.TransactionID != "" {
			e.Field("transaction_id", func(e *jx.Encoder) { e.Str(r.TransactionID) })
		}
		e.Field("fee", func(e *jx.Encoder) { e.Str(r.Fee.StringFixed(2)) })
		if r.Message != "" {
			e.Field("message", func(e *jx.Encoder) { e.Str(r.Message) })
		}
	})
}

func decodeResult(d *jx.Decoder) (payment.GatewayResult, error) {
	var r payment.GatewayResult
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "success":
			r.Success, err = d.Bool()
		case "transaction_id":
			r.TransactionID, err = d.Str()
		case "fee":
			r.Fee, err = decodeAmount(d)
		case "message":
			r.Message, err = d.Str()
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
	return r, err
}

// decodeAmount accepts money as a JSON string or number.
func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for amount", d.Next())
	}
}
