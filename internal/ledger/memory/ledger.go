// Package memory implements an in-process credit ledger for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// Source identifies reservations issued by this ledger.
const Source = "memory"

// ErrUnknownTransaction is returned when a refund names no recorded deduction.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Config seeds balances.
type Config struct {
	// DefaultBalance is granted to users seen for the first time. Negative means unlimited.
	DefaultBalance int64
	Prices         ledger.Prices
}

type entry struct {
	userID   string
	amount   int64
	refunded bool
}

// Ledger keeps balances and transactions in memory.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	ids      acquire.IDGenerator
	balances map[string]int64
	txs      map[string]*entry
}

// New builds a Ledger.
func New(cfg Config, ids acquire.IDGenerator) *Ledger {
	return &Ledger{
		cfg:      cfg,
		ids:      ids,
		balances: make(map[string]int64),
		txs:      make(map[string]*entry),
	}
}

// SetBalance overrides a user's balance.
func (l *Ledger) SetBalance(userID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = balance
}

// Balance returns a user's current balance.
func (l *Ledger) Balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID)
}

func (l *Ledger) balanceLocked(userID string) int64 {
	balance, ok := l.balances[userID]
	if !ok {
		balance = l.cfg.DefaultBalance
		l.balances[userID] = balance
	}
	return balance
}

// Deduct implements acquire.Ledger.
func (l *Ledger) Deduct(_ context.Context, req acquire.DeductRequest) (*acquire.QuotaReservation, error) {
	cost := l.cfg.Prices.Cost(req.BillingKey, req.Units)
	if cost == 0 {
		return nil, nil
	}
	txID, err := l.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balanceLocked(req.UserID)
	if balance >= 0 {
		if balance < cost {
			return nil, fmt.Errorf("%w: need %d, have %d", ledger.ErrInsufficientQuota, cost, balance)
		}
		l.balances[req.UserID] = balance - cost
	}
	l.txs[txID] = &entry{userID: req.UserID, amount: cost}
	metrics.ObserveBilling("deduct", cost)
	return &acquire.QuotaReservation{Source: Source, TransactionID: txID, Amount: cost}, nil
}

// Refund implements acquire.Ledger. Refunding the same transaction twice is a no-op.
func (l *Ledger) Refund(_ context.Context, req acquire.RefundRequest) error {
	if req.Source != Source {
		return fmt.Errorf("refund: unknown source %q", req.Source)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[req.TransactionID]
	if !ok {
		return fmt.Errorf("refund %s: %w", req.TransactionID, ErrUnknownTransaction)
	}
	if tx.refunded {
		return nil
	}
	tx.refunded = true
	if balance := l.balanceLocked(tx.userID); balance >= 0 {
		l.balances[tx.userID] = balance + req.Amount
	}
	metrics.ObserveBilling("refund", req.Amount)
	return nil
}

// Refunded reports whether transactionID was refunded.
func (l *Ledger) Refunded(transactionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[transactionID]
	return ok && tx.refunded
}
