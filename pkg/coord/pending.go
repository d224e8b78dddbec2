package coord

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func pendingKey(queueID string) string {
	return fmt.Sprintf("queue:%s:pending", queueID)
}

func clientsKey(queueID string) string {
	return fmt.Sprintf("queue:%s:clients", queueID)
}

func orderKey(queueID string) string {
	return fmt.Sprintf("queue:%s:order", queueID)
}

// NextOrderNo returns a strictly increasing per-queue order number. The
// counter seeds from the clock on first use, so a rebuilt coordination store
// resumes above every previously issued value.
func (c *Client) NextOrderNo(ctx context.Context, queueID string) (int64, error) {
	key := orderKey(queueID)
	if err := c.rdb.SetNX(ctx, key, time.Now().UnixMicro(), 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to seed order counter: %w", err)
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance order counter: %w", err)
	}
	return n, nil
}

// PendingAdd registers a request as a head candidate, scored by orderNo.
func (c *Client) PendingAdd(ctx context.Context, queueID, requestID string, orderNo int64) error {
	err := c.rdb.ZAdd(ctx, pendingKey(queueID),
		goredis.Z{Score: float64(orderNo), Member: requestID}).Err()
	if err != nil {
		return fmt.Errorf("failed to add pending request: %w", err)
	}
	return nil
}

// PendingRemove drops a request from the head candidate set.
func (c *Client) PendingRemove(ctx context.Context, queueID, requestID string) error {
	if err := c.rdb.ZRem(ctx, pendingKey(queueID), requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove pending request: %w", err)
	}
	return nil
}

// PendingPeek returns up to n head candidate request ids starting at
// position offset, in ascending orderNo. Forefront requests carry negative
// scores and come first.
func (c *Client) PendingPeek(ctx context.Context, queueID string, offset, n int) ([]string, error) {
	start := int64(offset)
	ids, err := c.rdb.ZRange(ctx, pendingKey(queueID), start, start+int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek pending requests: %w", err)
	}
	return ids, nil
}

// PendingCount returns the number of head candidates currently tracked.
func (c *Client) PendingCount(ctx context.Context, queueID string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, pendingKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

// PendingDrop removes the whole candidate set, e.g. on queue deletion.
func (c *Client) PendingDrop(ctx context.Context, queueID string) error {
	if err := c.rdb.Del(ctx, pendingKey(queueID), clientsKey(queueID), orderKey(queueID)).Err(); err != nil {
		return fmt.Errorf("failed to drop pending set: %w", err)
	}
	return nil
}

// RegisterClient records clientKey against the queue and returns the number
// of distinct clients seen so far. The caller flips hadMultipleClients once
// the count passes one.
func (c *Client) RegisterClient(ctx context.Context, queueID, clientKey string) (int64, error) {
	if err := c.rdb.SAdd(ctx, clientsKey(queueID), clientKey).Err(); err != nil {
		return 0, fmt.Errorf("failed to register queue client: %w", err)
	}
	n, err := c.rdb.SCard(ctx, clientsKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue clients: %w", err)
	}
	return n, nil
}
