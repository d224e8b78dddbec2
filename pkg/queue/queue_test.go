package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	co := coord.NewWithClient(rdb)
	t.Cleanup(func() { _ = co.Close() })
	return NewService(store.NewMemoryStore(), co), mr
}

func createQueue(t *testing.T, s *Service) *types.RequestQueue {
	t.Helper()
	q, err := s.CreateQueue(context.Background(), "user-1", "")
	require.NoError(t, err)
	return q
}

func TestAddRequestDedup(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	first, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)
	assert.False(t, first.WasAlreadyPresent)

	second, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)
	assert.True(t, second.WasAlreadyPresent)
	assert.Equal(t, first.RequestID, second.RequestID)

	got, err := s.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalRequestCount)
}

func TestAddRequestsBatchIsolatesFailures(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	res, err := s.AddRequestsBatch(ctx, q.ID, []*NewRequest{
		{URL: "https://a"},
		{URL: ""},
		{URL: "https://b"},
	}, false)
	require.NoError(t, err)
	assert.Len(t, res.Processed, 2)
	require.Len(t, res.Unprocessed, 1)
	assert.Empty(t, res.Unprocessed[0].URL)
}

func TestForefrontPrecedesFIFO(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	r1, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://fifo"}, false)
	require.NoError(t, err)
	r2, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://front"}, true)
	require.NoError(t, err)

	head, err := s.GetHead(ctx, q.ID, 10)
	require.NoError(t, err)
	require.Len(t, head, 2)
	assert.Equal(t, r2.RequestID, head[0].ID)
	assert.Equal(t, r1.RequestID, head[1].ID)
}

func TestAcquireHeadLocksAndExcludes(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	for _, u := range []string{"https://a", "https://b", "https://c"} {
		_, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: u}, false)
		require.NoError(t, err)
	}

	res, err := s.AcquireHead(ctx, q.ID, 2, 60, "w1")
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.True(t, res.QueueHasLockedRequests)
	assert.False(t, res.HadMultipleClients)
	require.NotNil(t, res.LockExpiresAt)
	for _, r := range res.Items {
		assert.Equal(t, "w1", r.LockedBy)
	}

	// A second worker sees only the unlocked remainder and flips the
	// multi-client flag.
	res2, err := s.AcquireHead(ctx, q.ID, 10, 60, "w2")
	require.NoError(t, err)
	assert.Len(t, res2.Items, 1)
	assert.True(t, res2.HadMultipleClients)

	// Everything is locked now.
	head, err := s.GetHead(ctx, q.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestAcquireHeadScansPastLockedWindow(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	var ids []string
	for i := 0; i < 2*MaxHeadLimit+5; i++ {
		res, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: fmt.Sprintf("https://site/%d", i)}, false)
		require.NoError(t, err)
		ids = append(ids, res.RequestID)
	}

	// One worker locks everything up front, so the next worker's head scan
	// has to reach past a full window of locked requests.
	locked, err := s.AcquireHead(ctx, q.ID, MaxHeadLimit, 60, "w1")
	require.NoError(t, err)
	require.Len(t, locked.Items, MaxHeadLimit)
	locked, err = s.AcquireHead(ctx, q.ID, MaxHeadLimit, 60, "w1")
	require.NoError(t, err)
	require.Len(t, locked.Items, MaxHeadLimit)

	res, err := s.AcquireHead(ctx, q.ID, 10, 60, "w2")
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.Equal(t, ids[2*MaxHeadLimit], res.Items[0].ID)

	head, err := s.GetHead(ctx, q.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestOrderNoStrictlyIncreasing(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	var prev int64
	for i := 0; i < 50; i++ {
		res, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: fmt.Sprintf("https://site/%d", i)}, false)
		require.NoError(t, err)
		req, err := s.GetRequest(ctx, q.ID, res.RequestID)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, req.OrderNo, prev)
		}
		prev = req.OrderNo
	}
}

func TestLeaseRoundTrip(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	added, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)

	res, err := s.AcquireHead(ctx, q.ID, 1, 60, "w1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	require.NoError(t, s.ReleaseLock(ctx, q.ID, added.RequestID, "w1"))

	// Released request is acquirable again.
	res, err = s.AcquireHead(ctx, q.ID, 1, 60, "w1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, added.RequestID, res.Items[0].ID)
}

func TestLeaseExpiry(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	added, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)

	res, err := s.AcquireHead(ctx, q.ID, 1, 1, "w1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	mr.FastForward(2 * time.Second)

	// The lapsed lease is acquirable by another worker.
	res, err = s.AcquireHead(ctx, q.ID, 1, 60, "w2")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, added.RequestID, res.Items[0].ID)

	// The previous holder's stale key is rejected.
	_, err = s.ProlongLock(ctx, q.ID, added.RequestID, "w1", 60)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.TypeNotLockOwner))
}

func TestUpdateRequestOwnership(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	added, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)

	_, err = s.AcquireHead(ctx, q.ID, 1, 60, "w1")
	require.NoError(t, err)

	handled := time.Now().UTC()
	_, err = s.UpdateRequest(ctx, q.ID, added.RequestID, &RequestPatch{HandledAt: &handled}, "w2")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.TypeLockedByOther))

	got, err := s.GetRequest(ctx, q.ID, added.RequestID)
	require.NoError(t, err)
	assert.Nil(t, got.HandledAt)

	// The holder's update succeeds, marks handled and adjusts counters.
	updated, err := s.UpdateRequest(ctx, q.ID, added.RequestID, &RequestPatch{HandledAt: &handled}, "w1")
	require.NoError(t, err)
	assert.NotNil(t, updated.HandledAt)

	queue, err := s.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.HandledRequestCount)
	assert.Equal(t, int64(0), queue.PendingRequestCount)

	// Handled requests disappear from the head.
	head, err := s.GetHead(ctx, q.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestHeadRebuildsFromRows(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	added, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)

	// Simulate coordination-store loss; the counters still say one pending.
	mr.FlushAll()

	head, err := s.GetHead(ctx, q.ID, 10)
	require.NoError(t, err)
	require.Len(t, head, 1)
	assert.Equal(t, added.RequestID, head[0].ID)
}

func TestProlongExtendsLease(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	q := createQueue(t, s)

	added, err := s.AddRequest(ctx, q.ID, &NewRequest{URL: "https://a"}, false)
	require.NoError(t, err)

	_, err = s.AcquireHead(ctx, q.ID, 1, 2, "w1")
	require.NoError(t, err)

	expiresAt, err := s.ProlongLock(ctx, q.ID, added.RequestID, "w1", 120)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now().Add(60*time.Second)))

	// Past the original 2s lease but within the prolonged one.
	mr.FastForward(10 * time.Second)
	res, err := s.AcquireHead(ctx, q.ID, 1, 60, "w2")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}
