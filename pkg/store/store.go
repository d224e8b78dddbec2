package store

import (
	"context"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// Store defines the interface for metadata persistence.
// Implemented by PostgresStore; MemoryStore backs tests.
type Store interface {
	// Actors
	CreateActor(ctx context.Context, actor *types.Actor) error
	GetActor(ctx context.Context, id string) (*types.Actor, error)
	GetActorByName(ctx context.Context, principalID, name string) (*types.Actor, error)
	ListActors(ctx context.Context, principalID string) ([]*types.Actor, error)
	UpdateActor(ctx context.Context, actor *types.Actor) error
	// DeleteActor removes the actor row only. Runs keep their actorId
	// reference, possibly dangling, to preserve audit history.
	DeleteActor(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	ListRuns(ctx context.Context, principalID string, offset, limit int) ([]*types.Run, int64, error)
	// ClaimPendingRun atomically selects the oldest READY run, marks it
	// RUNNING and stamps startedAt. Returns (nil, nil) when no run is
	// pending. At most one caller can claim a given run.
	ClaimPendingRun(ctx context.Context) (*types.Run, error)
	// UpdateRunStatus validates the state machine transition and applies it,
	// setting finishedAt iff the new status is terminal and clearing it on
	// resurrection. Rejections surface as INVALID_TRANSITION.
	UpdateRunStatus(ctx context.Context, id string, status types.RunStatus, statusMessage string, exitCode *int) (*types.Run, error)
	UpdateRunStats(ctx context.Context, id string, stats types.RunStats) error
	// FailOrphanedRuns transitions RUNNING rows whose deadline plus grace has
	// passed to FAILED with the orphaned status message.
	FailOrphanedRuns(ctx context.Context, grace time.Duration) (int, error)

	// Datasets
	CreateDataset(ctx context.Context, ds *types.Dataset) error
	GetDataset(ctx context.Context, id string) (*types.Dataset, error)
	GetDatasetByName(ctx context.Context, principalID, name string) (*types.Dataset, error)
	DeleteDataset(ctx context.Context, id string) error
	// PushDatasetItems serializes item-count advancement: it locks the
	// dataset row, invokes write with the reserved base index, and advances
	// itemCount by n only if write succeeds. The index-to-item mapping is
	// fixed before any write starts.
	PushDatasetItems(ctx context.Context, id string, n int, write func(base int64) error) (int64, error)

	// Key-value stores
	CreateKeyValueStore(ctx context.Context, kvs *types.KeyValueStore) error
	GetKeyValueStore(ctx context.Context, id string) (*types.KeyValueStore, error)
	GetKeyValueStoreByName(ctx context.Context, principalID, name string) (*types.KeyValueStore, error)
	TouchKeyValueStore(ctx context.Context, id string) error
	DeleteKeyValueStore(ctx context.Context, id string) error

	// Request queues
	CreateRequestQueue(ctx context.Context, q *types.RequestQueue) error
	GetRequestQueue(ctx context.Context, id string) (*types.RequestQueue, error)
	GetRequestQueueByName(ctx context.Context, principalID, name string) (*types.RequestQueue, error)
	DeleteRequestQueue(ctx context.Context, id string) error
	// MarkQueueMultiClient sets the sticky hadMultipleClients flag.
	MarkQueueMultiClient(ctx context.Context, id string) error

	// Requests. Counter updates happen in the same transaction as the row
	// change that triggers them, preserving
	// pendingRequestCount = totalRequestCount - handledRequestCount.
	//
	// InsertRequest inserts unless a request with the same uniqueKey already
	// exists in the queue; it returns the surviving row and whether an insert
	// happened.
	InsertRequest(ctx context.Context, req *types.Request) (*types.Request, bool, error)
	GetRequest(ctx context.Context, queueID, id string) (*types.Request, error)
	GetRequestsByID(ctx context.Context, queueID string, ids []string) ([]*types.Request, error)
	// ListPendingRequests returns unhandled requests ordered by ascending
	// orderNo, regardless of lease state.
	ListPendingRequests(ctx context.Context, queueID string, limit int) ([]*types.Request, error)
	// UpdateRequest applies the patch fields. markHandled transitions
	// handledAt from null and adjusts queue counters.
	UpdateRequest(ctx context.Context, req *types.Request, markHandled bool) error
	// SetRequestLock mirrors the coordination-store lease into the row.
	// The mirror is best-effort; the coordination store stays authoritative.
	SetRequestLock(ctx context.Context, queueID, id string, lockedUntil *time.Time, lockedBy string) error
	DeleteRequest(ctx context.Context, queueID, id string) error

	// Utility
	Close() error
}
