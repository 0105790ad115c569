package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/internal/memstore"
)

const adminKey = "secret"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type server struct {
	t      *testing.T
	router chi.Router
	store  *memstore.Store
}

func newServer(t *testing.T, cfg Config) *server {
	t.Helper()
	st := memstore.New()
	st.Products().Put(product.Product{ID: "p1", StoreID: "s1", Name: "Mug", Price: d("10"), Status: product.StatusActive})
	st.Products().Put(product.Product{ID: "p2", StoreID: "s2", Name: "Shirt", Price: d("5"), Status: product.StatusActive})
	st.Inventory().SetStock("p1", "", 10)
	st.Inventory().SetStock("p2", "", 3)

	calc := pricing.Flat{TaxRate: d("0.08")}
	inv := inventory.NewService(st.Inventory())
	validator := coupon.NewValidator(st.Coupons())
	carts := cart.NewService(st.Carts(), st.Products(), inv, validator, calc)
	ledger := wallet.NewLedger(st.Wallets(), wallet.Defaults{Currency: "USD", HoldTTL: time.Hour})

	payments := payment.NewRegistry()
	payments.Register(payment.NewWalletSettler(ledger), payment.MethodWallet)

	saga := checkout.New(checkout.Deps{
		Carts:    st.Carts(),
		Pricer:   carts,
		Stock:    inv,
		Orders:   st.Orders(),
		Payments: payments,
		Attempts: st.Checkouts(),
		Pricing:  calc,
		Keys:     idempotency.NewMemoryStore(time.Hour),
	}, checkout.Config{})

	h := New(cfg, Services{
		Carts:       carts,
		Checkout:    saga,
		Orders:      order.NewService(st.Orders(), inv, payments),
		Wallets:     ledger,
		Coupons:     validator,
		CouponAdmin: coupon.NewAdmin(st.Coupons()),
		Inventory:   inv,
	})
	r := chi.NewRouter()
	r.Route("/api", h.Mount)
	return &server{t: t, router: r, store: st}
}

type call struct {
	method  string
	path    string
	user    string
	admin   bool
	body    string
	headers map[string]string
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(c.method, c.path, bytes.NewBufferString(c.body))
	if c.user != "" {
		req.Header.Set(HeaderUserID, c.user)
	}
	if c.admin {
		req.Header.Set(HeaderAdminKey, adminKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ok performs c and decodes the JSON response, failing unless it has want
// status.
func (s *server) ok(c call, want int) map[string]any {
	s.t.Helper()
	w := s.do(c)
	require.Equal(s.t, want, w.Code, w.Body.String())
	var out map[string]any
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRequireUser(t *testing.T) {
	s := newServer(t, Config{})
	w := s.do(call{method: http.MethodGet, path: "/api/cart"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"code":400,"kind":"validation","message":"X-User-ID header is required"}`, w.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	credit := call{method: http.MethodPost, path: "/api/admin/wallets/u1/credit", body: `{"amount":"10"}`}

	disabled := newServer(t, Config{})
	assert.Equal(t, http.StatusNotFound, disabled.do(credit).Code, "admin routes need a key")

	s := newServer(t, Config{AdminKey: adminKey})
	assert.Equal(t, http.StatusUnauthorized, s.do(credit).Code)

	credit.headers = map[string]string{HeaderAdminKey: "wrong"}
	assert.Equal(t, http.StatusUnauthorized, s.do(credit).Code)

	credit.headers = nil
	credit.admin = true
	tx := s.ok(credit, http.StatusCreated)
	assert.Equal(t, "credit", tx["type"])
	assert.Equal(t, "10.00", tx["balance_after"])
}

func TestCart(t *testing.T) {
	s := newServer(t, Config{})

	c := s.ok(call{method: http.MethodPost, path: "/api/cart/items", user: "u1",
		body: `{"product_id":"p1","quantity":2,"customizations":{"color":"red"}}`}, http.StatusOK)
	items := c["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "20.00", item["line_total"])
	assert.Equal(t, map[string]any{"color": "red"}, item["customizations"])
	itemID := item["id"].(string)

	c = s.ok(call{method: http.MethodPatch, path: "/api/cart/items/" + itemID, user: "u1", body: `{"quantity":3}`}, http.StatusOK)
	assert.Equal(t, "30.00", c["subtotal"])

	w := s.do(call{method: http.MethodPost, path: "/api/cart/items", user: "u1", body: `{"product_id":"p2","quantity":4}`})
	require.Equal(t, http.StatusConflict, w.Code)
	var stock map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stock))
	assert.Equal(t, "p2", stock["product_id"])
	assert.EqualValues(t, 3, stock["available"])

	c = s.ok(call{method: http.MethodDelete, path: "/api/cart/items/" + itemID, user: "u1"}, http.StatusOK)
	assert.Empty(t, c["items"])

	w = s.do(call{method: http.MethodDelete, path: "/api/cart/items/missing", user: "u1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(call{method: http.MethodPost, path: "/api/cart/items", user: "u1", body: `{"product_id":`})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c = s.ok(call{method: http.MethodGet, path: "/api/cart", user: "u2"}, http.StatusOK)
	assert.Equal(t, "u2", c["user_id"], "carts are per user")
}

func TestCheckoutFlow(t *testing.T) {
	s := newServer(t, Config{AdminKey: adminKey})

	s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/u1/credit", admin: true,
		body: `{"amount":100,"description":"top up"}`}, http.StatusCreated)
	s.ok(call{method: http.MethodPost, path: "/api/admin/coupons", admin: true,
		body: `{"code":"save5","type":"fixed_amount","value":"5","usage_limit":10}`}, http.StatusCreated)

	s.ok(call{method: http.MethodPost, path: "/api/cart/items", user: "u1", body: `{"product_id":"p1","quantity":2}`}, http.StatusOK)
	s.ok(call{method: http.MethodPost, path: "/api/cart/items", user: "u1", body: `{"product_id":"p2"}`}, http.StatusOK)

	v := s.ok(call{method: http.MethodPost, path: "/api/coupons/validate", user: "u1", body: `{"code":"SAVE5"}`}, http.StatusOK)
	assert.Equal(t, true, v["valid"])

	applied := s.ok(call{method: http.MethodPost, path: "/api/cart/coupons", user: "u1", body: `{"code":"save5"}`}, http.StatusOK)
	assert.Equal(t, "5.00", applied["discount"].(map[string]any)["amount"])

	preview := s.ok(call{method: http.MethodPost, path: "/api/checkout/preview", user: "u1"}, http.StatusOK)
	assert.Len(t, preview["groups"], 2)

	body := `{"payment_method":"wallet","shipping_address":{"name":"Ann","line1":"1 Main St","city":"Oslo","country":"NO"}}`
	checkoutCall := call{method: http.MethodPost, path: "/api/checkout", user: "u1", body: body,
		headers: map[string]string{HeaderIdempotencyKey: "k1"}}
	res := s.ok(checkoutCall, http.StatusCreated)
	assert.Equal(t, preview["total"], res["total"])
	assert.Equal(t, "completed", res["payment_status"])
	orders := res["orders"].([]any)
	require.Len(t, orders, 2)

	w := s.do(checkoutCall)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))

	wl := s.ok(call{method: http.MethodGet, path: "/api/wallet", user: "u1"}, http.StatusOK)
	spent := d("100").Sub(d(res["total"].(string)))
	assert.Equal(t, spent.StringFixed(2), wl["balance"], "charged once")

	list := s.ok(call{method: http.MethodGet, path: "/api/orders?limit=10", user: "u1"}, http.StatusOK)
	assert.Len(t, list["orders"], 2)

	first := orders[0].(map[string]any)
	id := first["id"].(string)
	assert.Equal(t, http.StatusNotFound, s.do(call{method: http.MethodGet, path: "/api/orders/" + id, user: "u2"}).Code)

	cancelled := s.ok(call{method: http.MethodPost, path: "/api/orders/" + id + "/cancel", user: "u1",
		body: `{"reason":"changed my mind"}`}, http.StatusOK)
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.Equal(t, "0.00", cancelled["refundable"])

	wl = s.ok(call{method: http.MethodGet, path: "/api/wallet", user: "u1"}, http.StatusOK)
	assert.Equal(t, spent.Add(d(first["total"].(string))).StringFixed(2), wl["balance"])

	w = s.do(call{method: http.MethodPost, path: "/api/orders/" + id + "/cancel", user: "u1"})
	assert.Equal(t, http.StatusConflict, w.Code, "cancelled is terminal")

	txs := s.ok(call{method: http.MethodGet, path: "/api/wallet/transactions", user: "u1"}, http.StatusOK)
	assert.NotEmpty(t, txs["transactions"])
}

func TestOrderAdmin(t *testing.T) {
	s := newServer(t, Config{AdminKey: adminKey})
	s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/u1/credit", admin: true, body: `{"amount":"50"}`}, http.StatusCreated)
	s.ok(call{method: http.MethodPost, path: "/api/cart/items", user: "u1", body: `{"product_id":"p1"}`}, http.StatusOK)
	res := s.ok(call{method: http.MethodPost, path: "/api/checkout", user: "u1", body: `{"payment_method":"wallet"}`}, http.StatusCreated)
	id := res["orders"].([]any)[0].(map[string]any)["id"].(string)

	shipped := s.ok(call{method: http.MethodPost, path: "/api/admin/orders/" + id + "/status", admin: true,
		body: `{"status":"processing"}`}, http.StatusOK)
	assert.Equal(t, "processing", shipped["status"])

	shipped = s.ok(call{method: http.MethodPost, path: "/api/admin/orders/" + id + "/status", admin: true,
		body: `{"status":"shipped","carrier":"DHL","tracking_number":"T-1"}`}, http.StatusOK)
	assert.Equal(t, "T-1", shipped["shipping"].(map[string]any)["tracking_number"])

	w := s.do(call{method: http.MethodPost, path: "/api/admin/orders/" + id + "/status", admin: true, body: `{"status":"pending"}`})
	assert.Equal(t, http.StatusConflict, w.Code)

	refunded := s.ok(call{method: http.MethodPost, path: "/api/admin/orders/" + id + "/refunds", admin: true,
		body: `{"amount":"2.50","reason":"damaged","method":"wallet"}`}, http.StatusOK)
	require.Len(t, refunded["refunds"], 1)

	w = s.do(call{method: http.MethodPost, path: "/api/admin/orders/" + id + "/refunds", admin: true, body: `{"amount":"1000"}`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletAdmin(t *testing.T) {
	s := newServer(t, Config{AdminKey: adminKey})
	s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/u1/credit", admin: true, body: `{"amount":"30"}`}, http.StatusCreated)

	hold := s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/u1/holds", admin: true,
		body: `{"amount":"10","description":"pre-auth","ttl_seconds":60}`}, http.StatusCreated)
	holdID := hold["id"].(string)
	wl := s.ok(call{method: http.MethodGet, path: "/api/wallet", user: "u1"}, http.StatusOK)
	assert.Equal(t, "20.00", wl["available"])

	s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/holds/" + holdID + "/capture", admin: true,
		body: `{"amount":"4"}`}, http.StatusOK)
	w := s.do(call{method: http.MethodPost, path: "/api/admin/wallets/holds/" + holdID + "/release", admin: true})
	assert.Equal(t, http.StatusConflict, w.Code, "captured holds are not pending")

	w = s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", user: "u1", body: `{"to_user_id":"u9","amount":"6"}`})
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown recipient")
	s.ok(call{method: http.MethodGet, path: "/api/wallet", user: "u2"}, http.StatusOK)
	s.ok(call{method: http.MethodPost, path: "/api/wallet/transfer", user: "u1",
		body: `{"to_user_id":"u2","amount":"6"}`}, http.StatusCreated)
	wl = s.ok(call{method: http.MethodGet, path: "/api/wallet", user: "u2"}, http.StatusOK)
	assert.Equal(t, "6.00", wl["balance"])

	frozen := s.ok(call{method: http.MethodPut, path: "/api/admin/wallets/u1/status", admin: true, body: `{"status":"frozen"}`}, http.StatusOK)
	assert.Equal(t, "frozen", frozen["status"])
	w = s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", user: "u1", body: `{"to_user_id":"u2","amount":"1"}`})
	assert.Equal(t, http.StatusConflict, w.Code)

	s.ok(call{method: http.MethodPost, path: "/api/admin/wallets/u1/reconcile", admin: true}, http.StatusOK)
}

func TestInventory(t *testing.T) {
	s := newServer(t, Config{AdminKey: adminKey})
	st := s.ok(call{method: http.MethodGet, path: "/api/inventory/p2"}, http.StatusOK)
	assert.EqualValues(t, 3, st["available"])

	st = s.ok(call{method: http.MethodPost, path: "/api/admin/inventory/p2/restock", admin: true, body: `{"quantity":5}`}, http.StatusOK)
	assert.EqualValues(t, 8, st["quantity"])
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.Validation, "bad"), http.StatusBadRequest},
		{order.ErrNotFound, http.StatusNotFound},
		{errors.Wrap(cart.ErrVersionConflict, "save"), http.StatusConflict},
		{payment.ErrGatewayTimeout, http.StatusBadGateway},
		{checkout.ErrCompensation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(apperr.KindOf(tt.err)))
		})
	}
}

func TestUnknownErrorIsHidden(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password leaked"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "leaked")
}
