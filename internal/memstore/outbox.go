package memstore

import (
	"context"
	"time"

	"github.com/xenking/kart-checkout/internal/notify"
)

// Outbox is the outbox view.
type Outbox struct{ s *Store }

var _ notify.Store = Outbox{}

// Outbox returns the outbox view.
func (s *Store) Outbox() Outbox { return Outbox{s: s} }

// enqueue appends m. Callers hold s.mu.
func (s *Store) enqueue(m notify.Message) {
	s.outboxSeq++
	m.ID = s.outboxSeq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.outbox = append(s.outbox, m)
}

func (o Outbox) FetchPending(_ context.Context, limit int) ([]notify.Message, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if err := o.s.fault(OpFetchOutbox); err != nil {
		return nil, err
	}
	var out []notify.Message
	for _, m := range o.s.outbox {
		if m.SentAt != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o Outbox) MarkSent(_ context.Context, ids []int64, at time.Time) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	sent := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}
	for i := range o.s.outbox {
		if _, ok := sent[o.s.outbox[i].ID]; ok && o.s.outbox[i].SentAt == nil {
			t := at
			o.s.outbox[i].SentAt = &t
		}
	}
	return nil
}

// Messages returns every outbox message in insertion order.
func (o Outbox) Messages() []notify.Message {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return append([]notify.Message(nil), o.s.outbox...)
}
