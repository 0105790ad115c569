package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

// Ledger is the part of the wallet ledger used for settlement.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, e wallet.Entry) (*wallet.Transaction, error)
	Refund(ctx context.Context, userID string, amount decimal.Decimal, e wallet.Entry) (*wallet.Transaction, error)
}

// WalletSettler pays from the customer's internal wallet.
type WalletSettler struct {
	ledger Ledger
}

// NewWalletSettler creates a WalletSettler.
func NewWalletSettler(ledger Ledger) *WalletSettler {
	return &WalletSettler{ledger: ledger}
}

// Settle debits the customer's wallet. Failures such as insufficient funds
// keep their wallet error kind.
func (s *WalletSettler) Settle(ctx context.Context, req Request) (Result, error) {
	id := NewTransactionID(MethodWallet.Prefix())
	_, err := s.ledger.Debit(ctx, req.UserID, req.Amount, wallet.Entry{
		Description: req.Description,
		Reference:   id,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{TransactionID: id, Status: StatusCompleted, Fee: decimal.Zero}, nil
}

// Refund credits the customer's wallet.
func (s *WalletSettler) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	id := NewTransactionID("RFD")
	description := "Refund"
	if req.Reason != "" {
		description += ": " + req.Reason
	}
	_, err := s.ledger.Refund(ctx, req.UserID, req.Amount, wallet.Entry{
		Description: description,
		Reference:   id,
		OrderID:     req.OrderID,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "credit wallet")
	}
	return Result{TransactionID: id, Status: StatusCompleted}, nil
}

// Charge is a request sent to the external gateway.
type Charge struct {
	Reference string
	Method    Method
	Amount    decimal.Decimal
	Currency  string
	Customer  string
	Details   map[string]string
}

// GatewayResult is the gateway's answer to a charge or refund.
type GatewayResult struct {
	Success       bool
	TransactionID string
	Fee           decimal.Decimal
	Message       string
}

// Gateway is the external settlement collaborator.
type Gateway interface {
	Charge(ctx context.Context, c Charge) (GatewayResult, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (GatewayResult, error)
}

// GatewaySettler settles card, PayPal and mobile wallet payments through a
// Gateway. A call that does not finish within the timeout is a failure.
type GatewaySettler struct {
	gateway Gateway
	timeout time.Duration
}

// NewGatewaySettler creates a GatewaySettler. timeout <= 0 disables the
// per call deadline.
func NewGatewaySettler(g Gateway, timeout time.Duration) *GatewaySettler {
	return &GatewaySettler{gateway: g, timeout: timeout}
}

func (s *GatewaySettler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Settle charges the gateway.
func (s *GatewaySettler) Settle(ctx context.Context, req Request) (Result, error) {
	if !req.Method.External() {
		return Result{}, apperr.Errorf(apperr.Validation, "%w: %q", ErrUnsupportedMethod, req.Method)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.gateway.Charge(ctx, Charge{
		Reference: NewTransactionID(req.Method.Prefix()),
		Method:    req.Method,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Customer:  req.UserID,
		Details:   req.Details,
	})
	if err := gatewayError(ctx, err, res); err != nil {
		return Result{}, err
	}
	return Result{TransactionID: res.TransactionID, Status: StatusCompleted, Fee: res.Fee}, nil
}

// Refund returns money through the gateway.
func (s *GatewaySettler) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.gateway.Refund(ctx, req.TransactionID, req.Amount)
	if err := gatewayError(ctx, err, res); err != nil {
		return Result{}, err
	}
	return Result{TransactionID: res.TransactionID, Status: StatusCompleted, Fee: res.Fee}, nil
}

func gatewayError(ctx context.Context, err error, res GatewayResult) error {
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		return ErrGatewayTimeout
	case err != nil:
		return apperr.Errorf(apperr.External, "%w: %s", ErrGatewayFailure, err.Error())
	case !res.Success:
		if res.Message != "" {
			return apperr.Errorf(apperr.External, "%w: %s", ErrDeclined, res.Message)
		}
		return ErrDeclined
	}
	return nil
}

// BankTransferSettler accepts bank transfers as pending. They are confirmed
// out of band.
type BankTransferSettler struct{}

// Settle implements Settler.
func (BankTransferSettler) Settle(_ context.Context, _ Request) (Result, error) {
	return Result{
		TransactionID: NewTransactionID(MethodBankTransfer.Prefix()),
		Status:        StatusPending,
		Fee:           decimal.Zero,
	}, nil
}

// Refund implements Settler. Bank transfer refunds are paid out manually, so
// the refund is recorded as pending.
func (BankTransferSettler) Refund(_ context.Context, _ RefundRequest) (Result, error) {
	return Result{TransactionID: NewTransactionID("RFD"), Status: StatusPending}, nil
}
