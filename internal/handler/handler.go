// Package handler exposes the checkout services over HTTP.
//
// Requests are identified by the X-User-ID header set by the upstream
// gateway. Admin routes additionally require the X-Admin-Key header.
// Bodies are JSON; money is encoded as a decimal string.
package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderAdminKey       = "X-Admin-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

var (
	errNoUser       = apperr.New(apperr.Validation, "X-User-ID header is required")
	errUnauthorized = apperr.New(apperr.Validation, "admin key is missing or invalid")
)

// Services are the domain services behind the API.
type Services struct {
	Carts       *cart.Service
	Checkout    *checkout.Saga
	Orders      *order.Service
	Wallets     *wallet.Ledger
	Coupons     *coupon.Validator
	CouponAdmin *coupon.Admin
	Inventory   *inventory.Service
}

// Config holds non-dependency settings.
type Config struct {
	// AdminKey enables the /admin routes. They answer 404 when it is empty.
	AdminKey string
}

// Handler serves the API.
type Handler struct {
	Services
	adminKey []byte
}

// New creates a Handler.
func New(cfg Config, svc Services) *Handler {
	return &Handler{Services: svc, adminKey: []byte(cfg.AdminKey)}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Delete("/", h.clearCart)
			r.Post("/items", h.addItem)
			r.Patch("/items/{itemID}", h.updateItem)
			r.Delete("/items/{itemID}", h.removeItem)
			r.Post("/coupons", h.applyCoupon)
			r.Delete("/coupons/{code}", h.removeCoupon)
			r.Post("/save", h.saveCart)
		})
		r.Post("/checkout/preview", h.previewCheckout)
		r.Post("/checkout", h.checkout)

		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Post("/orders/{orderID}/cancel", h.cancelOrder)

		r.Post("/coupons/validate", h.validateCoupon)

		r.Get("/wallet", h.getWallet)
		r.Get("/wallet/transactions", h.listTransactions)
		r.Post("/wallet/transfer", h.transfer)
	})

	r.Get("/inventory/{productID}", h.availability)

	if len(h.adminKey) == 0 {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Post("/orders/{orderID}/status", h.transitionOrder)
		r.Post("/orders/{orderID}/refunds", h.refundOrder)

		r.Post("/coupons", h.createCoupon)
		r.Put("/coupons/{code}", h.updateCoupon)

		r.Post("/inventory/{productID}/restock", h.restock)

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/{userID}/credit", h.creditWallet)
			r.Post("/{userID}/debit", h.debitWallet)
			r.Put("/{userID}/status", h.setWalletStatus)
			r.Put("/{userID}/limits", h.setWalletLimits)
			r.Post("/{userID}/reconcile", h.reconcileWallet)
			r.Post("/{userID}/holds", h.placeHold)
			r.Post("/holds/{holdID}/release", h.releaseHold)
			r.Post("/holds/{holdID}/capture", h.captureHold)
		})
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			writeError(w, r, errNoUser)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := []byte(r.Header.Get(HeaderAdminKey))
		if subtle.ConstantTimeCompare(key, h.adminKey) != 1 {
			writeStatus(w, http.StatusUnauthorized, "unauthorized", errUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor names the operator of an admin request.
func actor(r *http.Request) string {
	if id := r.Header.Get(HeaderUserID); id != "" {
		return "admin:" + id
	}
	return "admin"
}
