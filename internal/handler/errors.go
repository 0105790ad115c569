package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

// statusOf maps an error kind to a response status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.External:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"code","kind","message"}. Errors without a
// kind are logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	msg := err.Error()

	lg := zctx.From(r.Context())
	switch kind {
	case apperr.Unknown:
		lg.Error("Request failed", zap.Error(err))
		msg, kind = "internal error", "internal"
	case apperr.Invariant:
		lg.Error("Invariant violated", zap.Error(err))
	case apperr.External:
		lg.Warn("External dependency failed", zap.Error(err))
	}

	var stock *inventory.InsufficientStockError
	if errors.As(err, &stock) {
		writeJSON(w, status, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				errorFields(e, status, string(kind), msg)
				e.FieldStart("product_id")
				e.Str(stock.ProductID)
				e.FieldStart("available")
				e.Int(stock.Available)
			})
		})
		return
	}
	writeStatus(w, status, string(kind), msg)
}

func writeStatus(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) { errorFields(e, status, kind, msg) })
	})
}

func errorFields(e *jx.Encoder, status int, kind, msg string) {
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("kind")
	e.Str(kind)
	e.FieldStart("message")
	e.Str(msg)
}
