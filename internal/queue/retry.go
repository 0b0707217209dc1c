// Package queue holds the redelivery policy shared by the queue backends.
package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds how often a nacked item is redelivered and how long to wait in between.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts with 1s exponential backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Exhausted reports whether an item that has already been delivered attempt+1 times
// may not be delivered again. Attempts are zero-based.
func (p RetryPolicy) Exhausted(attempt int) bool {
	p = p.withDefaults()
	return attempt+1 >= p.MaxAttempts
}

// Backoff returns the wait before redelivering an item whose zero-based attempt just failed.
// The delay doubles per attempt up to MaxDelay; the upper half is jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.BaseDelay) * math.Pow(2, float64(max(attempt, 0)))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
