package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func TestDeductCommits(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l, err := NewWithPool(mock, fixedIDs{"tx-1"}, ledger.Prices{ledger.KeyCrawl: 2})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("u1", int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(90)))
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("tx-1", "u1", ledger.KeyCrawl, "job-1", int64(10)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := l.Deduct(context.Background(), acquire.DeductRequest{
		UserID: "u1", BillingKey: ledger.KeyCrawl, ReferenceID: "job-1", Units: 5,
	})
	require.NoError(t, err)
	require.Equal(t, &acquire.QuotaReservation{Source: Source, TransactionID: "tx-1", Amount: 10}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductInsufficientQuotaRollsBack(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l, err := NewWithPool(mock, fixedIDs{"tx-2"}, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("u1", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	res, err := l.Deduct(context.Background(), acquire.DeductRequest{UserID: "u1", BillingKey: ledger.KeyScrape, Units: 1})
	require.ErrorIs(t, err, ledger.ErrInsufficientQuota)
	require.Nil(t, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundCreditsOnce(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l, err := NewWithPool(mock, fixedIDs{"refund-1"}, nil)
	require.NoError(t, err)
	req := acquire.RefundRequest{
		UserID: "u1", BillingKey: ledger.KeyBatch, ReferenceID: "job-3",
		Source: Source, TransactionID: "tx-3", Amount: 4,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("refund-1", "u1", ledger.KeyBatch, "job-3", int64(4), "tx-3").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE credit_balances").
		WithArgs("u1", int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").
		WithArgs("refund-1", "u1", ledger.KeyBatch, "job-3", int64(4), "tx-3").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, l.Refund(context.Background(), req))
	require.NoError(t, l.Refund(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRejectsForeignSource(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l, err := NewWithPool(mock, fixedIDs{"x"}, nil)
	require.NoError(t, err)
	require.Error(t, l.Refund(context.Background(), acquire.RefundRequest{Source: "memory"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, fixedIDs{})
	require.Error(t, err)
	_, err = NewWithPool(nil, fixedIDs{}, nil)
	require.Error(t, err)
}
