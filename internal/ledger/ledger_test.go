package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPricesCost(t *testing.T) {
	t.Parallel()

	p := Prices{KeyCrawl: 2, KeyBatch: 0}
	require.Equal(t, int64(1), p.Cost(KeyScrape, 1))
	require.Equal(t, int64(20), p.Cost(KeyCrawl, 10))
	require.Equal(t, int64(0), p.Cost(KeyBatch, 5))
	require.Equal(t, int64(0), p.Cost(KeyScrape, 0))
}
