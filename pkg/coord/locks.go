package coord

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func lockKey(queueID, requestID string) string {
	return fmt.Sprintf("queue:%s:lock:%s", queueID, requestID)
}

// Compare-owner scripts. Ownership is checked and acted on atomically in
// Redis; a read-then-write from Go would race with lease expiry.
var (
	prolongScript = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// AcquireRequestLock takes the lease on a request for owner, expiring after
// ttl. Returns false when another owner currently holds it.
func (c *Client) AcquireRequestLock(ctx context.Context, queueID, requestID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(queueID, requestID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire request lock: %w", err)
	}
	return ok, nil
}

// ProlongRequestLock extends the lease iff owner still holds it.
func (c *Client) ProlongRequestLock(ctx context.Context, queueID, requestID, owner string, ttl time.Duration) (bool, error) {
	n, err := prolongScript.Run(ctx, c.rdb,
		[]string{lockKey(queueID, requestID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to prolong request lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseRequestLock drops the lease iff owner still holds it.
func (c *Client) ReleaseRequestLock(ctx context.Context, queueID, requestID, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb,
		[]string{lockKey(queueID, requestID)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release request lock: %w", err)
	}
	return n == 1, nil
}

// RequestLockOwner returns the current lease owner, or "" when unlocked.
func (c *Client) RequestLockOwner(ctx context.Context, queueID, requestID string) (string, error) {
	owner, err := c.rdb.Get(ctx, lockKey(queueID, requestID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read request lock: %w", err)
	}
	return owner, nil
}
