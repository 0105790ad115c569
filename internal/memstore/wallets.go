package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

// Wallets is the wallet view.
type Wallets struct{ s *Store }

var _ wallet.Repository = Wallets{}

// Wallets returns the wallet view.
func (s *Store) Wallets() Wallets { return Wallets{s: s} }

func (r Wallets) Get(_ context.Context, userID string) (*wallet.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[userID]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	return &w, nil
}

func (r Wallets) Create(_ context.Context, w *wallet.Wallet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.wallets[w.UserID]; ok {
		return wallet.ErrExists
	}
	r.s.wallets[w.UserID] = *w
	r.s.walletOwner[w.ID] = w.UserID
	return nil
}

func (r Wallets) Update(_ context.Context, userID string, fn func(w *wallet.Wallet) ([]wallet.Transaction, error)) (*wallet.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpUpdateWallet); err != nil {
		return nil, err
	}
	w, ok := r.s.wallets[userID]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	txs, err := fn(&w)
	if err != nil {
		return nil, err
	}
	r.s.wallets[userID] = w
	r.s.walletTxs = append(r.s.walletTxs, txs...)
	return &w, nil
}

func (r Wallets) UpdatePair(_ context.Context, fromUser, toUser string, fn func(from, to *wallet.Wallet) ([]wallet.Transaction, error)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpUpdateWallet); err != nil {
		return err
	}
	from, ok := r.s.wallets[fromUser]
	if !ok {
		return wallet.ErrNotFound
	}
	to, ok := r.s.wallets[toUser]
	if !ok {
		return wallet.ErrNotFound
	}
	txs, err := fn(&from, &to)
	if err != nil {
		return err
	}
	r.s.wallets[fromUser], r.s.wallets[toUser] = from, to
	r.s.walletTxs = append(r.s.walletTxs, txs...)
	return nil
}

func (r Wallets) UpdateHold(_ context.Context, holdID string, fn func(w *wallet.Wallet, hold *wallet.Transaction) ([]wallet.Transaction, error)) (*wallet.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	idx := -1
	for i := range r.s.walletTxs {
		if r.s.walletTxs[i].ID == holdID && r.s.walletTxs[i].Type == wallet.TxHold {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, wallet.ErrHoldNotFound
	}
	hold := r.s.walletTxs[idx]
	owner := r.s.walletOwner[hold.WalletID]
	w, ok := r.s.wallets[owner]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	txs, err := fn(&w, &hold)
	if err != nil {
		return nil, err
	}
	r.s.wallets[owner] = w
	r.s.walletTxs[idx] = hold
	r.s.walletTxs = append(r.s.walletTxs, txs...)
	return &w, nil
}

func (r Wallets) Transactions(_ context.Context, walletID string, limit int) ([]wallet.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []wallet.Transaction
	for _, tx := range r.s.walletTxs {
		if tx.WalletID == walletID {
			out = append(out, tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r Wallets) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]wallet.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []wallet.Transaction
	for _, tx := range r.s.walletTxs {
		if tx.Type == wallet.TxHold && tx.Status == wallet.TxPending && tx.ExpiresAt != nil && tx.ExpiresAt.Before(now) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
