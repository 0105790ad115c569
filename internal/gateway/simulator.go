package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DeclineCard is the card number the simulator always declines.
const DeclineCard = "4000000000000002"

var _ payment.Gateway = (*Simulator)(nil)

// SimulatorConfig tunes a Simulator.
type SimulatorConfig struct {
	// FeeRate is the share of the amount kept as processing fee.
	FeeRate decimal.Decimal
	// Latency delays every call; a context that ends first fails the call.
	Latency time.Duration
	// DeclineOver declines charges above this amount when positive.
	DeclineOver decimal.Decimal
}

// Simulator is an in-process settlement provider for development and
// tests. It remembers charges so that refunds can be checked against them.
type Simulator struct {
	cfg SimulatorConfig

	mu       sync.Mutex
	charges  map[string]decimal.Decimal
	refunded map[string]decimal.Decimal
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	return &Simulator{
		cfg:      cfg,
		charges:  make(map[string]decimal.Decimal),
		refunded: make(map[string]decimal.Decimal),
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) Charge(ctx context.Context, c payment.Charge) (payment.GatewayResult, error) {
	if err := s.wait(ctx); err != nil {
		return payment.GatewayResult{}, err
	}
	if !c.Amount.IsPositive() {
		return payment.GatewayResult{Message: "amount must be positive"}, nil
	}
	if strings.ReplaceAll(c.Details["card_number"], " ", "") == DeclineCard {
		return payment.GatewayResult{Message: "card declined"}, nil
	}
	if s.cfg.DeclineOver.IsPositive() && c.Amount.GreaterThan(s.cfg.DeclineOver) {
		return payment.GatewayResult{Message: "amount exceeds the authorization limit"}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.charges[c.Reference]; ok {
		return payment.GatewayResult{Message: "duplicate reference"}, nil
	}
	s.charges[c.Reference] = c.Amount
	return payment.GatewayResult{
		Success:       true,
		TransactionID: c.Reference,
		Fee:           c.Amount.Mul(s.cfg.FeeRate).Round(2),
	}, nil
}

func (s *Simulator) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (payment.GatewayResult, error) {
	if err := s.wait(ctx); err != nil {
		return payment.GatewayResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	charged, ok := s.charges[transactionID]
	if !ok {
		return payment.GatewayResult{Message: "unknown transaction"}, nil
	}
	if !amount.IsPositive() || s.refunded[transactionID].Add(amount).GreaterThan(charged) {
		return payment.GatewayResult{Message: "refund exceeds the charged amount"}, nil
	}
	s.refunded[transactionID] = s.refunded[transactionID].Add(amount)
	return payment.GatewayResult{
		Success:       true,
		TransactionID: "RFD-" + transactionID,
	}, nil
}

// Refunded returns the amount refunded for a transaction so far.
func (s *Simulator) Refunded(transactionID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunded[transactionID]
}

// Handler serves the provider protocol on top of the simulator.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(chargePath, func(w http.ResponseWriter, req *http.Request) {
		c, err := decodeCharge(jx.Decode(io.LimitReader(req.Body, 1<<20), 512))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := s.Charge(req.Context(), c)
		writeResult(w, res, err)
	})
	r.Post(refundPath, func(w http.ResponseWriter, req *http.Request) {
		rr, err := decodeRefund(jx.Decode(io.LimitReader(req.Body, 1<<20), 512))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := s.Refund(req.Context(), rr.TransactionID, rr.Amount)
		writeResult(w, res, err)
	})
	return r
}

func writeResult(w http.ResponseWriter, res payment.GatewayResult, err error) {
	if err != nil {
		http.Error(w, "provider unavailable", http.StatusServiceUnavailable)
		return
	}
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeResult(e, res)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(e.Bytes())
}
