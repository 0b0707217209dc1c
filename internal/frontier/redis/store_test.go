package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/hash/sha256"
)

func TestReserveOutcomes(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	store := New(db, "", time.Hour)
	ctx := context.Background()
	key := []string{"pageacq:frontier:job-1"}
	a, b := sha256.Digest("https://example.com/a"), sha256.Digest("https://example.com/b")

	mock.ExpectEvalSha(reserveScript.Hash(), key, a, 5, 3600).SetVal(int64(1))
	mock.ExpectEvalSha(reserveScript.Hash(), key, a, 5, 3600).SetVal(int64(0))
	mock.ExpectEvalSha(reserveScript.Hash(), key, b, 5, 3600).SetVal(int64(-1))

	ok, err := store.Reserve(ctx, "job-1", "https://example.com/a", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Reserve(ctx, "job-1", "https://example.com/a", 5)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Reserve(ctx, "job-1", "https://example.com/b", 5)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveError(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	store := New(db, "crawl:", time.Minute)
	mock.ExpectEvalSha(reserveScript.Hash(), []string{"crawl:j"}, sha256.Digest("k"), 1, 60).SetErr(errors.New("connection refused"))

	_, err := store.Reserve(context.Background(), "j", "k", 1)
	require.ErrorContains(t, err, "redis reserve")
}

func TestForget(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	store := New(db, "", 0)
	mock.ExpectDel("pageacq:frontier:job-9").SetVal(1)

	require.NoError(t, store.Forget(context.Background(), "job-9"))
	require.NoError(t, mock.ExpectationsWereMet())
}
