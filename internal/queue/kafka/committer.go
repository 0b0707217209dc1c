package kafka

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type offsetCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// committer commits offsets in fetch order per partition. A completed message is
// buffered until every message fetched before it on the same partition has completed.
type committer struct {
	reader offsetCommitter
	logger *zap.Logger

	mu        sync.Mutex
	inflight  map[int][]int64
	completed map[int]map[int64]kafka.Message
}

func newCommitter(reader offsetCommitter, logger *zap.Logger) *committer {
	return &committer{
		reader:    reader,
		logger:    logger,
		inflight:  make(map[int][]int64),
		completed: make(map[int]map[int64]kafka.Message),
	}
}

func (c *committer) track(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[msg.Partition] = append(c.inflight[msg.Partition], msg.Offset)
}

func (c *committer) complete(ctx context.Context, msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := msg.Partition
	if c.completed[p] == nil {
		c.completed[p] = make(map[int64]kafka.Message)
	}
	c.completed[p][msg.Offset] = msg

	var last *kafka.Message
	order := c.inflight[p]
	for len(order) > 0 {
		m, ok := c.completed[p][order[0]]
		if !ok {
			break
		}
		delete(c.completed[p], order[0])
		order = order[1:]
		last = &m
	}
	c.inflight[p] = order
	if last == nil {
		return
	}
	if err := c.reader.CommitMessages(ctx, *last); err != nil {
		// The next completion on this partition commits a later offset, covering this one.
		c.logger.Warn("commit failed",
			zap.Int("partition", p),
			zap.Int64("offset", last.Offset),
			zap.Error(err),
		)
	}
}

// pending reports how many fetched messages on a partition are not yet committed.
func (c *committer) pending(partition int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight[partition])
}
