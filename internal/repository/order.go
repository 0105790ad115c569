package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/notify"
)

const (
	orderColumns = `id, number, user_id, store_id, status, items, shipping_address, billing_address,
		payment_method, payment_status, transaction_id, payment_fee, paid_at, shipping_method,
		shipping_cost, carrier, tracking_number, shipped_at, delivered_at, subtotal, discount, tax,
		shipping, total, events, refunds, cart_id, checkout_id, coupon_codes, stock_state, notes,
		version, created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`

	// updateOrderSQL only matches the version the order was loaded with.
	// Identity, items and totals are immutable after creation.
	updateOrderSQL = `UPDATE orders SET status = $3, shipping_address = $4, billing_address = $5,
		payment_status = $6, transaction_id = $7, payment_fee = $8, paid_at = $9, carrier = $10,
		tracking_number = $11, shipped_at = $12, delivered_at = $13, events = $14, refunds = $15,
		stock_state = $16, notes = $17, version = version + 1, updated_at = $18
		WHERE id = $1 AND version = $2`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`

	listOrdersByCheckoutSQL = `SELECT ` + orderColumns + ` FROM orders WHERE checkout_id = $1
		ORDER BY created_at, number`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Order
// updates write their events to the outbox in the same transaction.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateBatch persists all orders of one checkout in a single transaction.
func (r *OrderRepository) CreateBatch(ctx context.Context, orders []*order.Order) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, o := range orders {
			o.Version = 1
			doc, err := marshalOrder(o)
			if err != nil {
				return err
			}
			batch.Queue(insertOrderSQL,
				o.ID, o.Number, o.UserID, o.StoreID, string(o.Status), doc.items, doc.shipTo, doc.billTo,
				string(o.Payment.Method), string(o.Payment.Status), o.Payment.TransactionID, o.Payment.Fee,
				o.Payment.PaidAt, o.Shipping.Method, o.Shipping.Cost, o.Shipping.Carrier,
				o.Shipping.TrackingNumber, o.Shipping.ShippedAt, o.Shipping.DeliveredAt,
				o.Totals.Subtotal, o.Totals.Discount, o.Totals.Tax, o.Totals.Shipping, o.Totals.Total,
				doc.events, doc.refunds, o.Meta.CartID, o.Meta.CheckoutID, nonNil(o.Meta.CouponCodes),
				string(o.StockState), o.Notes, o.Version, o.CreatedAt, o.UpdatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating orders: %w", err)
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]order.Order, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, listOrdersByUserSQL, userID, lim)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) ListByCheckout(ctx context.Context, checkoutID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByCheckoutSQL, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of checkout %q: %w", checkoutID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order, events []order.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		return updateOrder(ctx, tx, o, events)
	})
}

// UpdateWith holds the order row lock while fn runs, so concurrent refunds
// and cancellations of one order run one after another.
func (r *OrderRepository) UpdateWith(ctx context.Context, id string, fn func(o *order.Order) ([]order.Event, error)) (*order.Order, error) {
	var out *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, lockOrderSQL, id)
		if err != nil {
			return fmt.Errorf("locking order %q: %w", id, err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrNotFound
			}
			return fmt.Errorf("locking order %q: %w", id, err)
		}
		events, err := fn(&o)
		if err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, &o, events); err != nil {
			return err
		}
		out = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// updateOrder writes o and queues its events on tx. On success o.Version
// is bumped to the stored value.
func updateOrder(ctx context.Context, tx pgx.Tx, o *order.Order, events []order.Event) error {
	doc, err := marshalOrder(o)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, updateOrderSQL,
		o.ID, o.Version, string(o.Status), doc.shipTo, doc.billTo, string(o.Payment.Status),
		o.Payment.TransactionID, o.Payment.Fee, o.Payment.PaidAt, o.Shipping.Carrier,
		o.Shipping.TrackingNumber, o.Shipping.ShippedAt, o.Shipping.DeliveredAt, doc.events,
		doc.refunds, string(o.StockState), o.Notes, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("updating order %q: %w", o.ID, err)
		}
		if !exists {
			return order.ErrNotFound
		}
		return order.ErrVersionConflict
	}
	o.Version++

	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		enqueueOutbox(batch, notify.NewOrderMessage(o, ev))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing outbox for order %q: %w", o.ID, err)
	}
	return nil
}

type orderItemDoc struct {
	ProductID      string            `json:"product_id"`
	VariantID      string            `json:"variant_id,omitempty"`
	Name           string            `json:"name"`
	UnitPrice      decimal.Decimal   `json:"unit_price"`
	Quantity       int               `json:"quantity"`
	Customizations map[string]string `json:"customizations,omitempty"`
}

type addressDoc struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type eventDoc struct {
	From  order.Status `json:"from"`
	To    order.Status `json:"to"`
	Actor string       `json:"actor"`
	Note  string       `json:"note,omitempty"`
	At    time.Time    `json:"at"`
}

type refundDoc struct {
	ID            string             `json:"id"`
	Amount        decimal.Decimal    `json:"amount"`
	Reason        string             `json:"reason"`
	Method        order.RefundMethod `json:"method"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Status        payment.Status     `json:"status"`
	Actor         string             `json:"actor"`
	CreatedAt     time.Time          `json:"created_at"`
}

type orderDoc struct {
	items, shipTo, billTo, events, refunds []byte
}

func marshalOrder(o *order.Order) (orderDoc, error) {
	var (
		doc orderDoc
		err error
	)
	items := make([]orderItemDoc, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemDoc(it))
	}
	events := make([]eventDoc, 0, len(o.Events))
	for _, ev := range o.Events {
		events = append(events, eventDoc(ev))
	}
	refunds := make([]refundDoc, 0, len(o.Refunds))
	for _, rf := range o.Refunds {
		refunds = append(refunds, refundDoc(rf))
	}
	if doc.items, err = json.Marshal(items); err != nil {
		return doc, fmt.Errorf("marshaling order items: %w", err)
	}
	if doc.shipTo, err = json.Marshal(addressDoc(o.ShippingAddress)); err != nil {
		return doc, fmt.Errorf("marshaling shipping address: %w", err)
	}
	if doc.billTo, err = json.Marshal(addressDoc(o.BillingAddress)); err != nil {
		return doc, fmt.Errorf("marshaling billing address: %w", err)
	}
	if doc.events, err = json.Marshal(events); err != nil {
		return doc, fmt.Errorf("marshaling order events: %w", err)
	}
	if doc.refunds, err = json.Marshal(refunds); err != nil {
		return doc, fmt.Errorf("marshaling order refunds: %w", err)
	}
	return doc, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                      order.Order
		doc                                    orderDoc
		status, method, payStatus, stockState string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.StoreID, &status, &doc.items, &doc.shipTo, &doc.billTo,
		&method, &payStatus, &o.Payment.TransactionID, &o.Payment.Fee, &o.Payment.PaidAt,
		&o.Shipping.Method, &o.Shipping.Cost, &o.Shipping.Carrier, &o.Shipping.TrackingNumber,
		&o.Shipping.ShippedAt, &o.Shipping.DeliveredAt, &o.Totals.Subtotal, &o.Totals.Discount,
		&o.Totals.Tax, &o.Totals.Shipping, &o.Totals.Total, &doc.events, &doc.refunds,
		&o.Meta.CartID, &o.Meta.CheckoutID, &o.Meta.CouponCodes, &stockState, &o.Notes,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	o.Payment.Method = payment.Method(method)
	o.Payment.Status = payment.Status(payStatus)
	o.StockState = order.StockState(stockState)

	var (
		items   []orderItemDoc
		shipTo  addressDoc
		billTo  addressDoc
		events  []eventDoc
		refunds []refundDoc
	)
	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{doc.items, &items}, {doc.shipTo, &shipTo}, {doc.billTo, &billTo},
		{doc.events, &events}, {doc.refunds, &refunds},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return o, fmt.Errorf("decoding order %q: %w", o.ID, err)
		}
	}
	for _, it := range items {
		o.Items = append(o.Items, order.Item(it))
	}
	o.ShippingAddress = order.Address(shipTo)
	o.BillingAddress = order.Address(billTo)
	for _, ev := range events {
		o.Events = append(o.Events, order.Event(ev))
	}
	for _, rf := range refunds {
		o.Refunds = append(o.Refunds, order.Refund(rf))
	}
	return o, nil
}
