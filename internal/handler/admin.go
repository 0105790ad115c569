package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	s, err := h.Inventory.Availability(r.Context(), chi.URLParam(r, "productID"), r.URL.Query().Get("variant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStock(e, s) })
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	var (
		variantID string
		qty       int
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "variant_id":
			variantID, err = d.Str()
		case "quantity":
			qty, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	productID := chi.URLParam(r, "productID")
	if err := h.Inventory.Restock(r.Context(), productID, variantID, qty); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Inventory.Availability(r.Context(), productID, variantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStock(e, s) })
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := decodeCoupon(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.CouponAdmin.Create(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

func (h *Handler) updateCoupon(w http.ResponseWriter, r *http.Request) {
	next, err := decodeCoupon(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.CouponAdmin.Update(r.Context(), chi.URLParam(r, "code"), next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

func decodeCoupon(r *http.Request) (*coupon.Coupon, error) {
	c := new(coupon.Coupon)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		return codec.CouponField(c, d, key)
	})
	return c, err
}
