package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

const (
	walletColumns = `id, user_id, currency, status, min_transaction, max_transaction, daily_limit,
		monthly_limit, balance, pending_debit, total_earnings, total_spendings, daily_spent,
		monthly_spent, counters_at, created_at, updated_at`

	getWalletSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`

	lockWalletSQL = getWalletSQL + ` FOR UPDATE`

	lockWalletByIDSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`

	insertWalletSQL = `INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	updateWalletSQL = `UPDATE wallets SET status = $2, min_transaction = $3, max_transaction = $4,
		daily_limit = $5, monthly_limit = $6, balance = $7, pending_debit = $8, total_earnings = $9,
		total_spendings = $10, daily_spent = $11, monthly_spent = $12, counters_at = $13, updated_at = $14
		WHERE id = $1`

	txColumns = `id, wallet_id, type, status, amount, currency, balance_before, balance_after,
		description, reference, order_id, hold_id, expires_at, created_at, updated_at`

	insertTxSQL = `INSERT INTO wallet_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	holdWalletSQL = `SELECT wallet_id FROM wallet_transactions WHERE id = $1 AND type = 'hold'`

	lockHoldSQL = `SELECT ` + txColumns + ` FROM wallet_transactions WHERE id = $1 FOR UPDATE`

	updateHoldSQL = `UPDATE wallet_transactions SET status = $2, updated_at = $3 WHERE id = $1`

	// listTxSQL takes the newest entries and returns them oldest first.
	listTxSQL = `SELECT ` + txColumns + ` FROM (
			SELECT seq, ` + txColumns + ` FROM wallet_transactions WHERE wallet_id = $1
			ORDER BY seq DESC LIMIT $2
		) t ORDER BY seq`

	expiredHoldsSQL = `SELECT ` + txColumns + ` FROM wallet_transactions
		WHERE type = 'hold' AND status = 'pending' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`
)

var _ wallet.Repository = (*WalletRepository)(nil)

// WalletRepository implements wallet.Repository backed by PostgreSQL. Every
// mutation runs under a row lock on the wallet and writes the wallet and its
// new transactions in one transaction.
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository returns a WalletRepository that uses the given pool.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

func (r *WalletRepository) Get(ctx context.Context, userID string) (*wallet.Wallet, error) {
	return getWallet(ctx, r.pool, getWalletSQL, userID)
}

func (r *WalletRepository) Create(ctx context.Context, w *wallet.Wallet) error {
	_, err := r.pool.Exec(ctx, insertWalletSQL,
		w.ID, w.UserID, w.Currency, string(w.Status), w.Limits.MinTransaction, w.Limits.MaxTransaction,
		w.Limits.Daily, w.Limits.Monthly, w.Balance, w.PendingDebit, w.TotalEarnings, w.TotalSpendings,
		w.DailySpent, w.MonthlySpent, w.CountersAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "") {
			return wallet.ErrExists
		}
		return fmt.Errorf("creating wallet for %q: %w", w.UserID, err)
	}
	return nil
}

func (r *WalletRepository) Update(ctx context.Context, userID string, fn func(w *wallet.Wallet) ([]wallet.Transaction, error)) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		w, err := getWallet(ctx, tx, lockWalletSQL, userID)
		if err != nil {
			return err
		}
		txs, err := fn(w)
		if err != nil {
			return err
		}
		if err := persistWallet(ctx, tx, w, txs); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// UpdatePair locks both wallets ordered by user id so that two opposite
// transfers cannot deadlock.
func (r *WalletRepository) UpdatePair(ctx context.Context, fromUser, toUser string, fn func(from, to *wallet.Wallet) ([]wallet.Transaction, error)) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		first, second := fromUser, toUser
		if second < first {
			first, second = second, first
		}
		a, err := getWallet(ctx, tx, lockWalletSQL, first)
		if err != nil {
			return err
		}
		b, err := getWallet(ctx, tx, lockWalletSQL, second)
		if err != nil {
			return err
		}
		from, to := a, b
		if first != fromUser {
			from, to = b, a
		}
		txs, err := fn(from, to)
		if err != nil {
			return err
		}
		if err := persistWallet(ctx, tx, from, nil); err != nil {
			return err
		}
		return persistWallet(ctx, tx, to, txs)
	})
}

func (r *WalletRepository) UpdateHold(ctx context.Context, holdID string, fn func(w *wallet.Wallet, hold *wallet.Transaction) ([]wallet.Transaction, error)) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var walletID string
		if err := tx.QueryRow(ctx, holdWalletSQL, holdID).Scan(&walletID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wallet.ErrHoldNotFound
			}
			return fmt.Errorf("finding hold %q: %w", holdID, err)
		}
		w, err := getWallet(ctx, tx, lockWalletByIDSQL, walletID)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, lockHoldSQL, holdID)
		if err != nil {
			return fmt.Errorf("locking hold %q: %w", holdID, err)
		}
		hold, err := pgx.CollectExactlyOneRow(rows, scanTx)
		if err != nil {
			return fmt.Errorf("locking hold %q: %w", holdID, err)
		}

		txs, err := fn(w, &hold)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updateHoldSQL, hold.ID, string(hold.Status), hold.UpdatedAt); err != nil {
			return fmt.Errorf("updating hold %q: %w", holdID, err)
		}
		if err := persistWallet(ctx, tx, w, txs); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (r *WalletRepository) Transactions(ctx context.Context, walletID string, limit int) ([]wallet.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, listTxSQL, walletID, lim)
	if err != nil {
		return nil, fmt.Errorf("listing transactions of %q: %w", walletID, err)
	}
	return pgx.CollectRows(rows, scanTx)
}

func (r *WalletRepository) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]wallet.Transaction, error) {
	rows, err := r.pool.Query(ctx, expiredHoldsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired holds: %w", err)
	}
	return pgx.CollectRows(rows, scanTx)
}

func getWallet(ctx context.Context, q querier, sql, arg string) (*wallet.Wallet, error) {
	var (
		w      wallet.Wallet
		status string
	)
	err := q.QueryRow(ctx, sql, arg).Scan(
		&w.ID, &w.UserID, &w.Currency, &status, &w.Limits.MinTransaction, &w.Limits.MaxTransaction,
		&w.Limits.Daily, &w.Limits.Monthly, &w.Balance, &w.PendingDebit, &w.TotalEarnings,
		&w.TotalSpendings, &w.DailySpent, &w.MonthlySpent, &w.CountersAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, fmt.Errorf("getting wallet: %w", err)
	}
	w.Status = wallet.Status(status)
	return &w, nil
}

func persistWallet(ctx context.Context, tx pgx.Tx, w *wallet.Wallet, txs []wallet.Transaction) error {
	_, err := tx.Exec(ctx, updateWalletSQL,
		w.ID, string(w.Status), w.Limits.MinTransaction, w.Limits.MaxTransaction, w.Limits.Daily,
		w.Limits.Monthly, w.Balance, w.PendingDebit, w.TotalEarnings, w.TotalSpendings, w.DailySpent,
		w.MonthlySpent, w.CountersAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating wallet %q: %w", w.ID, err)
	}

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(insertTxSQL,
			t.ID, t.WalletID, string(t.Type), string(t.Status), t.Amount, t.Currency, t.BalanceBefore,
			t.BalanceAfter, t.Description, t.Reference, t.OrderID, t.HoldID, t.ExpiresAt,
			t.CreatedAt, t.UpdatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("recording wallet transactions: %w", err)
	}
	return nil
}

func scanTx(row pgx.CollectableRow) (wallet.Transaction, error) {
	var (
		t           wallet.Transaction
		typ, status string
	)
	err := row.Scan(&t.ID, &t.WalletID, &typ, &status, &t.Amount, &t.Currency, &t.BalanceBefore,
		&t.BalanceAfter, &t.Description, &t.Reference, &t.OrderID, &t.HoldID, &t.ExpiresAt,
		&t.CreatedAt, &t.UpdatedAt)
	t.Type = wallet.TxType(typ)
	t.Status = wallet.TxStatus(status)
	return t, err
}
