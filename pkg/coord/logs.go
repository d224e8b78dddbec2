package coord

import (
	"context"
	"fmt"
	"time"
)

// LogCap is the maximum number of entries retained per run.
const LogCap = 1000

// LogTTL is how long a run's log ring survives after its last append.
const LogTTL = 24 * time.Hour

func logEntriesKey(runID string) string {
	return fmt.Sprintf("logs:%s:entries", runID)
}

func logSeqKey(runID string) string {
	return fmt.Sprintf("logs:%s:seq", runID)
}

// NextLogSeq allocates the next strictly increasing sequence number for a
// run. The counter outlives ring eviction, so seq stays monotonic across
// the full run even after old entries fall off.
func (c *Client) NextLogSeq(ctx context.Context, runID string) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, logSeqKey(runID))
	pipe.Expire(ctx, logSeqKey(runID), LogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to allocate log seq: %w", err)
	}
	return incr.Val(), nil
}

// AppendLogEntry appends a serialized entry to the run's ring, evicting the
// oldest entries past LogCap and refreshing the 24h TTL.
func (c *Client) AppendLogEntry(ctx context.Context, runID string, payload []byte) error {
	key := logEntriesKey(runID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -LogCap, -1)
	pipe.Expire(ctx, key, LogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// FetchLogEntries returns serialized entries [start, stop] by list position,
// Redis LRANGE semantics (negative indices count from the tail).
func (c *Client) FetchLogEntries(ctx context.Context, runID string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, logEntriesKey(runID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch log entries: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// LogCount returns the number of entries currently retained for a run.
func (c *Client) LogCount(ctx context.Context, runID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, logEntriesKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return n, nil
}
