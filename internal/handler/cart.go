package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/cart"
)

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, c *cart.Cart, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, c) })
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Get(r.Context(), userID(r))
	h.respondCart(w, r, c, err)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Clear(r.Context(), userID(r))
	h.respondCart(w, r, c, err)
}

func (h *Handler) saveCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.SaveForLater(r.Context(), userID(r))
	h.respondCart(w, r, c, err)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req cart.AddItemRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			req.ProductID, err = d.Str()
		case "variant_id":
			req.VariantID, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int()
		case "customizations":
			req.Customizations, err = codec.StringMap(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	c, err := h.Carts.AddItem(r.Context(), userID(r), req)
	h.respondCart(w, r, c, err)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var qty int
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		qty = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.UpdateQuantity(r.Context(), userID(r), chi.URLParam(r, "itemID"), qty)
	h.respondCart(w, r, c, err)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveItem(r.Context(), userID(r), chi.URLParam(r, "itemID"))
	h.respondCart(w, r, c, err)
}

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, discount, err := h.Carts.ApplyCoupon(r.Context(), userID(r), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("cart")
			encodeCart(e, c)
			e.FieldStart("discount")
			encodeDiscount(e, discount)
		})
	})
}

func (h *Handler) removeCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveCoupon(r.Context(), userID(r), chi.URLParam(r, "code"))
	h.respondCart(w, r, c, err)
}

// validateCoupon checks a code against the current cart without applying it.
func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Carts.Get(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	cp, discount, err := h.Coupons.Validate(r.Context(), code, c.UserID, c.Basket(c.Totals.Shipping))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("valid")
			e.Bool(true)
			optStr(e, "description", cp.Description)
			e.FieldStart("discount")
			encodeDiscount(e, discount)
		})
	})
}

func decodeCode(r *http.Request) (string, error) {
	var code string
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		v, err := d.Str()
		code = v
		return err
	})
	return code, err
}
