// Package postgres implements the credit ledger on Postgres.
//
// Schema:
//
//	CREATE TABLE credit_balances (
//	    user_id    TEXT PRIMARY KEY,
//	    balance    BIGINT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE credit_transactions (
//	    id           TEXT PRIMARY KEY,
//	    user_id      TEXT NOT NULL,
//	    billing_key  TEXT NOT NULL,
//	    reference_id TEXT NOT NULL,
//	    amount       BIGINT NOT NULL,
//	    kind         TEXT NOT NULL,
//	    refund_of    TEXT UNIQUE,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// Source identifies reservations issued by this ledger.
const Source = "postgres"

// Config controls the connection pool and pricing.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	Prices          ledger.Prices
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Ledger debits and refunds credits inside transactions.
type Ledger struct {
	pool   txBeginner
	ids    acquire.IDGenerator
	prices ledger.Prices
}

// New connects to Postgres and builds a Ledger.
func New(ctx context.Context, cfg Config, ids acquire.IDGenerator) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, ids: ids, prices: cfg.Prices}, nil
}

// NewWithPool builds a Ledger over an existing pool (primarily for testing).
func NewWithPool(pool txBeginner, ids acquire.IDGenerator, prices ledger.Prices) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool, ids: ids, prices: prices}, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Deduct implements acquire.Ledger.
func (l *Ledger) Deduct(ctx context.Context, req acquire.DeductRequest) (*acquire.QuotaReservation, error) {
	cost := l.prices.Cost(req.BillingKey, req.Units)
	if cost == 0 {
		return nil, nil
	}
	txID, err := l.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}
	err = l.withTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `
UPDATE credit_balances SET balance = balance - $2, updated_at = now()
WHERE user_id = $1 AND balance >= $2
RETURNING balance`, req.UserID, cost).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: need %d", ledger.ErrInsufficientQuota, cost)
		}
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, billing_key, reference_id, amount, kind)
VALUES ($1, $2, $3, $4, $5, 'deduct')`,
			txID, req.UserID, req.BillingKey, req.ReferenceID, cost,
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveBilling("deduct", cost)
	return &acquire.QuotaReservation{Source: Source, TransactionID: txID, Amount: cost}, nil
}

// Refund implements acquire.Ledger. The refund_of unique constraint makes it idempotent.
func (l *Ledger) Refund(ctx context.Context, req acquire.RefundRequest) error {
	if req.Source != Source {
		return fmt.Errorf("refund: unknown source %q", req.Source)
	}
	refundID, err := l.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate transaction id: %w", err)
	}
	applied := false
	err = l.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, billing_key, reference_id, amount, kind, refund_of)
VALUES ($1, $2, $3, $4, $5, 'refund', $6)
ON CONFLICT (refund_of) DO NOTHING`,
			refundID, req.UserID, req.BillingKey, req.ReferenceID, req.Amount, req.TransactionID,
		)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_balances SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
			req.UserID, req.Amount,
		); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		metrics.ObserveBilling("refund", req.Amount)
	}
	return nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}
