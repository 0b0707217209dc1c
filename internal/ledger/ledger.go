// Package ledger holds the billing rules shared by the ledger backends.
package ledger

import "errors"

// ErrInsufficientQuota is returned by Deduct when the user's balance cannot cover the charge.
var ErrInsufficientQuota = errors.New("insufficient quota")

// Billing keys.
const (
	KeyScrape = "scrape"
	KeyCrawl  = "crawl"
	KeyBatch  = "batch"
)

// Prices maps a billing key to credits charged per unit. Unlisted keys cost one credit per unit.
type Prices map[string]int64

// Cost returns the credits for units of key.
func (p Prices) Cost(key string, units int) int64 {
	if units <= 0 {
		return 0
	}
	price, ok := p[key]
	if !ok {
		price = 1
	}
	return price * int64(units)
}
