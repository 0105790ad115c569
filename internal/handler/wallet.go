package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

func respondWallet(w http.ResponseWriter, r *http.Request, wl *wallet.Wallet, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeWallet(e, wl) })
}

func respondTransaction(w http.ResponseWriter, r *http.Request, status int, tx *wallet.Transaction, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeTransaction(e, tx) })
}

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.Wallets.Wallet(r.Context(), userID(r))
	respondWallet(w, r, wl, err)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := h.Wallets.Transactions(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("transactions")
			e.ArrStart()
			for i := range txs {
				encodeTransaction(e, &txs[i])
			}
			e.ArrEnd()
		})
	})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var (
		to          string
		amount      decimal.Decimal
		description string
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "to_user_id":
			to, err = d.Str()
		case "amount":
			amount, err = codec.Decimal(d)
		case "description":
			description, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Wallets.Transfer(r.Context(), userID(r), to, amount, description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			str(e, "reference", res.Reference)
			e.FieldStart("out")
			encodeTransaction(e, &res.Out)
			e.FieldStart("in")
			encodeTransaction(e, &res.In)
		})
	})
}

// operation is the body of admin money movements.
type operation struct {
	Amount decimal.Decimal
	Entry  wallet.Entry
	TTL    time.Duration
}

func decodeOperation(r *http.Request) (operation, error) {
	var op operation
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "amount":
			op.Amount, err = codec.Decimal(d)
		case "description":
			op.Entry.Description, err = d.Str()
		case "reference":
			op.Entry.Reference, err = d.Str()
		case "order_id":
			op.Entry.OrderID, err = d.Str()
		case "ttl_seconds":
			var s int
			s, err = d.Int()
			op.TTL = time.Duration(s) * time.Second
		default:
			err = d.Skip()
		}
		return err
	})
	return op, err
}

func (h *Handler) creditWallet(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := h.Wallets.Credit(r.Context(), chi.URLParam(r, "userID"), op.Amount, op.Entry)
	respondTransaction(w, r, http.StatusCreated, tx, err)
}

func (h *Handler) debitWallet(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := h.Wallets.Debit(r.Context(), chi.URLParam(r, "userID"), op.Amount, op.Entry)
	respondTransaction(w, r, http.StatusCreated, tx, err)
}

func (h *Handler) placeHold(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := h.Wallets.Hold(r.Context(), chi.URLParam(r, "userID"), op.Amount, op.Entry, op.TTL)
	respondTransaction(w, r, http.StatusCreated, tx, err)
}

func (h *Handler) releaseHold(w http.ResponseWriter, r *http.Request) {
	if err := h.Wallets.ReleaseHold(r.Context(), chi.URLParam(r, "holdID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) captureHold(w http.ResponseWriter, r *http.Request) {
	op, err := decodeOperation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := h.Wallets.CaptureHold(r.Context(), chi.URLParam(r, "holdID"), op.Amount)
	respondTransaction(w, r, http.StatusOK, tx, err)
}

func (h *Handler) setWalletStatus(w http.ResponseWriter, r *http.Request) {
	var status wallet.Status
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		s, err := d.Str()
		status = wallet.Status(s)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	wl, err := h.Wallets.SetStatus(r.Context(), chi.URLParam(r, "userID"), status)
	respondWallet(w, r, wl, err)
}

func (h *Handler) setWalletLimits(w http.ResponseWriter, r *http.Request) {
	var limits wallet.Limits
	fields := map[string]*decimal.Decimal{
		"min_transaction": &limits.MinTransaction,
		"max_transaction": &limits.MaxTransaction,
		"daily":           &limits.Daily,
		"monthly":         &limits.Monthly,
	}
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		dst, ok := fields[key]
		if !ok {
			return d.Skip()
		}
		v, err := codec.Decimal(d)
		*dst = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	wl, err := h.Wallets.SetLimits(r.Context(), chi.URLParam(r, "userID"), limits)
	respondWallet(w, r, wl, err)
}

func (h *Handler) reconcileWallet(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	if err := h.Wallets.Reconcile(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	wl, err := h.Wallets.Wallet(r.Context(), user)
	respondWallet(w, r, wl, err)
}
