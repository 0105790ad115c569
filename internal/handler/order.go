package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

func respondOrder(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.Orders.ListByUser(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("orders")
			e.ArrStart()
			for i := range orders {
				encodeOrder(e, &orders[i])
			}
			e.ArrEnd()
		})
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetForUser(r.Context(), chi.URLParam(r, "orderID"), userID(r))
	respondOrder(w, r, o, err)
}

// cancelOrder lets a customer cancel their own order.
func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var reason string
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "reason" {
			return d.Skip()
		}
		v, err := d.Str()
		reason = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, user := chi.URLParam(r, "orderID"), userID(r)
	if _, err := h.Orders.GetForUser(r.Context(), id, user); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.Transition(r.Context(), id, order.TransitionRequest{
		To:    order.StatusCancelled,
		Actor: "customer:" + user,
		Note:  reason,
	})
	respondOrder(w, r, o, err)
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	req := order.TransitionRequest{Actor: actor(r)}
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			var s string
			s, err = d.Str()
			req.To = order.Status(s)
		case "note":
			req.Note, err = d.Str()
		case "carrier":
			req.Carrier, err = d.Str()
		case "tracking_number":
			req.TrackingNumber, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.Transition(r.Context(), chi.URLParam(r, "orderID"), req)
	respondOrder(w, r, o, err)
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	req := order.RefundRequest{Actor: actor(r)}
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "amount":
			req.Amount, err = codec.Decimal(d)
		case "reason":
			req.Reason, err = d.Str()
		case "method":
			var m string
			m, err = d.Str()
			req.Method = order.RefundMethod(m)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.ProcessRefund(r.Context(), chi.URLParam(r, "orderID"), req)
	respondOrder(w, r, o, err)
}
