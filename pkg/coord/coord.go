package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// Client wraps the Redis connection used for cross-process coordination:
// request leases, queue head ordering, client tracking, log rings and
// the run dispatch channel.
type Client struct {
	rdb     *goredis.Client
	timeout time.Duration
}

// New connects to Redis at the given URL.
// Format: redis://[:password@]host:port[/db]
func New(url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("coordination store requires a redis URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &Client{rdb: goredis.NewClient(opts), timeout: DefaultTimeout}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb, timeout: DefaultTimeout}
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
