// Package redis shares crawl seen-sets between worker processes through Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/page-acquisition/internal/hash/sha256"
)

// reserveScript returns 1 when the key was added, 0 when already present, -1 when the set is full.
var reserveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 0
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return -1
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return 1
`)

// Client is the subset of the go-redis API the store needs.
type Client interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements frontier.Store with one Redis set per job. Members are key digests.
type Store struct {
	client Client
	prefix string
	ttl    time.Duration
}

// New builds a Store. Keys are prefix+jobID and expire ttl after the last reservation.
func New(client Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "pageacq:frontier:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// NewClient opens a go-redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Reserve implements frontier.Store.
func (s *Store) Reserve(ctx context.Context, jobID, key string, limit int) (bool, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + jobID}, sha256.Digest(key), limit, int(s.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return res == 1, nil
}

// Forget implements frontier.Store.
func (s *Store) Forget(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.prefix+jobID).Err(); err != nil {
		return fmt.Errorf("redis forget: %w", err)
	}
	return nil
}
