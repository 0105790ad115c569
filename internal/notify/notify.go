// Package notify delivers order status events through a transactional
// outbox. Storage writes a Message in the same transaction as the status
// change; Relay publishes pending messages and marks them sent.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// TopicOrders receives order status events keyed by order id.
const TopicOrders = "kart.orders"

// Message is an outbox row.
type Message struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}

// Store reads and acknowledges outbox rows.
type Store interface {
	// FetchPending returns unsent messages in insertion order.
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, ids []int64, at time.Time) error
}

// Publisher delivers messages to subscribers.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// OrderEvent is the payload of an order status event.
type OrderEvent struct {
	EventID     string
	Type        string
	OrderID     string
	OrderNumber string
	UserID      string
	StoreID     string
	From        order.Status
	To          order.Status
	Actor       string
	Note        string
	Total       string
	At          time.Time
}

// EventType names the event emitted when an order enters status.
func EventType(status order.Status) string {
	return "order." + string(status)
}

// NewOrderMessage builds the outbox message for an order event.
func NewOrderMessage(o *order.Order, ev order.Event) Message {
	e := OrderEvent{
		EventID:     uuid.NewString(),
		Type:        EventType(ev.To),
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		StoreID:     o.StoreID,
		From:        ev.From,
		To:          ev.To,
		Actor:       ev.Actor,
		Note:        ev.Note,
		Total:       o.Totals.Total.StringFixed(2),
		At:          ev.At,
	}
	return Message{
		EventID:   e.EventID,
		Topic:     TopicOrders,
		Key:       o.ID,
		Payload:   e.Encode(),
		CreatedAt: ev.At,
	}
}

// Encode returns the JSON form of e.
func (e OrderEvent) Encode() []byte {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("event_id", func(w *jx.Encoder) { w.Str(e.EventID) })
		w.Field("type", func(w *jx.Encoder) { w.Str(e.Type) })
		w.Field("order_id", func(w *jx.Encoder) { w.Str(e.OrderID) })
		w.Field("order_number", func(w *jx.Encoder) { w.Str(e.OrderNumber) })
		w.Field("user_id", func(w *jx.Encoder) { w.Str(e.UserID) })
		w.Field("store_id", func(w *jx.Encoder) { w.Str(e.StoreID) })
		w.Field("from", func(w *jx.Encoder) { w.Str(string(e.From)) })
		w.Field("to", func(w *jx.Encoder) { w.Str(string(e.To)) })
		w.Field("actor", func(w *jx.Encoder) { w.Str(e.Actor) })
		if e.Note != "" {
			w.Field("note", func(w *jx.Encoder) { w.Str(e.Note) })
		}
		w.Field("total", func(w *jx.Encoder) { w.Str(e.Total) })
		w.Field("at", func(w *jx.Encoder) { w.Str(e.At.UTC().Format(time.RFC3339Nano)) })
	})
	return w.Bytes()
}

// DecodeOrderEvent parses a payload produced by Encode. Unknown fields are
// skipped.
func DecodeOrderEvent(data []byte) (OrderEvent, error) {
	var e OrderEvent
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "at" {
			s, err := d.Str()
			if err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return errors.Wrap(err, "parse at")
			}
			e.At = at
			return nil
		}
		var dst *string
		switch string(key) {
		case "event_id":
			dst = &e.EventID
		case "type":
			dst = &e.Type
		case "order_id":
			dst = &e.OrderID
		case "order_number":
			dst = &e.OrderNumber
		case "user_id":
			dst = &e.UserID
		case "store_id":
			dst = &e.StoreID
		case "actor":
			dst = &e.Actor
		case "note":
			dst = &e.Note
		case "total":
			dst = &e.Total
		case "from", "to":
			s, err := d.Str()
			if err != nil {
				return err
			}
			if key[0] == 'f' {
				e.From = order.Status(s)
			} else {
				e.To = order.Status(s)
			}
			return nil
		default:
			return d.Skip()
		}
		s, err := d.Str()
		if err != nil {
			return err
		}
		*dst = s
		return nil
	})
	if err != nil {
		return OrderEvent{}, errors.Wrap(err, "decode order event")
	}
	return e, nil
}
