package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := NewWithClient(rdb)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRequestLockOwnership(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireRequestLock(ctx, "q1", "r1", "client-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second owner is refused while the lease is live.
	ok, err = c.AcquireRequestLock(ctx, "q1", "r1", "client-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can prolong or release.
	ok, err = c.ProlongRequestLock(ctx, "q1", "r1", "client-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ProlongRequestLock(ctx, "q1", "r1", "client-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ReleaseRequestLock(ctx, "q1", "r1", "client-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ReleaseRequestLock(ctx, "q1", "r1", "client-a")
	require.NoError(t, err)
	assert.True(t, ok)

	owner, err := c.RequestLockOwner(ctx, "q1", "r1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRequestLockExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireRequestLock(ctx, "q1", "r1", "client-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)

	// Lease lapsed; another client may take it.
	ok, err = c.AcquireRequestLock(ctx, "q1", "r1", "client-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPendingOrdering(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PendingAdd(ctx, "q1", "fifo-1", 100))
	require.NoError(t, c.PendingAdd(ctx, "q1", "fifo-2", 200))
	require.NoError(t, c.PendingAdd(ctx, "q1", "front-1", -150))

	ids, err := c.PendingPeek(ctx, "q1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"front-1", "fifo-1", "fifo-2"}, ids)

	// Offset pages deeper into the same ordering.
	ids, err = c.PendingPeek(ctx, "q1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"fifo-1", "fifo-2"}, ids)

	require.NoError(t, c.PendingRemove(ctx, "q1", "front-1"))
	n, err := c.PendingCount(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNextOrderNoStrictlyIncreasing(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 100; i++ {
		n, err := c.NextOrderNo(ctx, "q1")
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, n, prev)
		}
		prev = n
	}

	// Independent queues keep independent counters.
	first, err := c.NextOrderNo(ctx, "q2")
	require.NoError(t, err)
	second, err := c.NextOrderNo(ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestRegisterClient(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.RegisterClient(ctx, "q1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same client again does not grow the set.
	n, err = c.RegisterClient(ctx, "q1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.RegisterClient(ctx, "q1", "client-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLogRingEviction(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < LogCap+10; i++ {
		seq, err := c.NextLogSeq(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
		require.NoError(t, c.AppendLogEntry(ctx, "run-1", []byte(fmt.Sprintf("entry-%d", seq))))
	}

	n, err := c.LogCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(LogCap), n)

	// Oldest entries were evicted; the ring starts at entry-11.
	entries, err := c.FetchLogEntries(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "entry-11", string(entries[0]))
}

func TestLogRingTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, err := c.NextLogSeq(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, c.AppendLogEntry(ctx, "run-1", []byte("hello")))

	mr.FastForward(LogTTL + time.Minute)

	n, err := c.LogCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPublishLogEntryRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop := c.SubscribeLogEntries(ctx, "run-1")
	defer stop()

	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.PublishLogEntry(ctx, "run-1", []byte("line")))

	select {
	case msg := <-ch:
		assert.Equal(t, "line", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published log entry")
	}
}
