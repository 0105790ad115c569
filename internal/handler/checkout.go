package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func (h *Handler) previewCheckout(w http.ResponseWriter, r *http.Request) {
	var method string
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "shipping_method" {
			return d.Skip()
		}
		v, err := d.Str()
		method = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Checkout.Preview(r.Context(), userID(r), method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePreview(e, p) })
}

// checkout places the orders. A replay of an earlier Idempotency-Key answers
// 200 with the original result and the Idempotent-Replayed header.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	req := checkout.Request{
		UserID:         userID(r),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	}
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "payment_method":
			var m string
			m, err = d.Str()
			req.PaymentMethod = payment.Method(m)
		case "payment_details":
			req.PaymentDetails, err = codec.StringMap(d)
		case "shipping_method":
			req.ShippingMethod, err = d.Str()
		case "shipping_address":
			req.ShippingAddress, err = decodeAddress(d)
		case "billing_address":
			req.BillingAddress, err = decodeAddress(d)
		case "notes":
			req.Notes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Checkout.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeResult(e, res) })
}
