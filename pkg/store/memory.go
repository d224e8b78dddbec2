package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and single-node trials.
// A single mutex stands in for the row locks the SQL implementation takes.
type MemoryStore struct {
	mu       sync.Mutex
	actors   map[string]*types.Actor
	runs     map[string]*types.Run
	datasets map[string]*types.Dataset
	kvStores map[string]*types.KeyValueStore
	queues   map[string]*types.RequestQueue
	requests map[string]map[string]*types.Request // queueID -> requestID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:   make(map[string]*types.Actor),
		runs:     make(map[string]*types.Run),
		datasets: make(map[string]*types.Dataset),
		kvStores: make(map[string]*types.KeyValueStore),
		queues:   make(map[string]*types.RequestQueue),
		requests: make(map[string]map[string]*types.Request),
	}
}

func (s *MemoryStore) Close() error { return nil }

// Actor operations

func (s *MemoryStore) CreateActor(ctx context.Context, actor *types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if a.PrincipalID == actor.PrincipalID && a.Name == actor.Name {
			return apierr.New(apierr.TypeConflict, "actor name already exists: %s", actor.Name)
		}
	}
	cp := *actor
	s.actors[actor.ID] = &cp
	return nil
}

func (s *MemoryStore) GetActor(ctx context.Context, id string) (*types.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, apierr.NotFound("actor", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetActorByName(ctx context.Context, principalID, name string) (*types.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if a.PrincipalID == principalID && a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apierr.NotFound("actor", name)
}

func (s *MemoryStore) ListActors(ctx context.Context, principalID string) ([]*types.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Actor
	for _, a := range s.actors {
		if a.PrincipalID == principalID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateActor(ctx context.Context, actor *types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[actor.ID]; !ok {
		return apierr.NotFound("actor", actor.ID)
	}
	cp := *actor
	cp.ModifiedAt = time.Now().UTC()
	s.actors[actor.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteActor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[id]; !ok {
		return apierr.NotFound("actor", id)
	}
	delete(s.actors, id)
	return nil
}

// Run operations

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apierr.NotFound("run", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, principalID string, offset, limit int) ([]*types.Run, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*types.Run
	for _, r := range s.runs {
		if r.PrincipalID == principalID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*types.Run, 0, len(all))
	for _, r := range all {
		cp := *r
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemoryStore) ClaimPendingRun(ctx context.Context) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *types.Run
	for _, r := range s.runs {
		if r.Status != types.RunStatusReady {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	oldest.Status = types.RunStatusRunning
	oldest.StartedAt = &now
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, status types.RunStatus, statusMessage string, exitCode *int) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apierr.NotFound("run", id)
	}
	if !types.ValidTransition(r.Status, status) {
		return nil, apierr.New(apierr.TypeInvalidTransition,
			"cannot transition run %s from %s to %s", id, r.Status, status)
	}

	resurrecting := r.Status.Terminal() && status == types.RunStatusRunning
	r.Status = status
	r.StatusMessage = statusMessage
	now := time.Now().UTC()
	if status.Terminal() {
		r.FinishedAt = &now
		r.ExitCode = exitCode
		if r.StartedAt != nil {
			r.Stats.DurationMillis = now.Sub(*r.StartedAt).Milliseconds()
		}
	} else if resurrecting {
		r.FinishedAt = nil
		r.ExitCode = nil
		r.StartedAt = &now
		r.Stats.ResurrectCount++
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStats(ctx context.Context, id string, stats types.RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return apierr.NotFound("run", id)
	}
	r.Stats = stats
	return nil
}

func (s *MemoryStore) FailOrphanedRuns(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, r := range s.runs {
		if r.Status != types.RunStatusRunning || r.StartedAt == nil {
			continue
		}
		deadline := r.StartedAt.Add(time.Duration(r.TimeoutSecs)*time.Second + grace)
		if now.After(deadline) {
			r.Status = types.RunStatusFailed
			r.StatusMessage = "orphaned"
			r.FinishedAt = &now
			count++
		}
	}
	return count, nil
}

// Dataset operations

func (s *MemoryStore) CreateDataset(ctx context.Context, ds *types.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds.Name != "" {
		for _, d := range s.datasets {
			if d.PrincipalID == ds.PrincipalID && d.Name == ds.Name {
				return apierr.New(apierr.TypeConflict, "dataset name already exists: %s", ds.Name)
			}
		}
	}
	cp := *ds
	s.datasets[ds.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, apierr.NotFound("dataset", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDatasetByName(ctx context.Context, principalID, name string) (*types.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.datasets {
		if d.PrincipalID == principalID && d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apierr.NotFound("dataset", name)
}

func (s *MemoryStore) DeleteDataset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return apierr.NotFound("dataset", id)
	}
	delete(s.datasets, id)
	return nil
}

func (s *MemoryStore) PushDatasetItems(ctx context.Context, id string, n int, write func(base int64) error) (int64, error) {
	// The mutex is held across write, matching the SQL implementation where
	// the row lock spans the blob writes.
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return 0, apierr.NotFound("dataset", id)
	}
	base := d.ItemCount
	if err := write(base); err != nil {
		return 0, err
	}
	d.ItemCount += int64(n)
	d.ModifiedAt = time.Now().UTC()
	return base, nil
}

// Key-value store operations

func (s *MemoryStore) CreateKeyValueStore(ctx context.Context, kvs *types.KeyValueStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kvs.Name != "" {
		for _, k := range s.kvStores {
			if k.PrincipalID == kvs.PrincipalID && k.Name == kvs.Name {
				return apierr.New(apierr.TypeConflict, "key-value store name already exists: %s", kvs.Name)
			}
		}
	}
	cp := *kvs
	s.kvStores[kvs.ID] = &cp
	return nil
}

func (s *MemoryStore) GetKeyValueStore(ctx context.Context, id string) (*types.KeyValueStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kvStores[id]
	if !ok {
		return nil, apierr.NotFound("key-value store", id)
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetKeyValueStoreByName(ctx context.Context, principalID, name string) (*types.KeyValueStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.kvStores {
		if k.PrincipalID == principalID && k.Name == name {
			cp := *k
			return &cp, nil
		}
	}
	return nil, apierr.NotFound("key-value store", name)
}

func (s *MemoryStore) TouchKeyValueStore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kvStores[id]
	if !ok {
		return apierr.NotFound("key-value store", id)
	}
	k.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteKeyValueStore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kvStores[id]; !ok {
		return apierr.NotFound("key-value store", id)
	}
	delete(s.kvStores, id)
	return nil
}

// Request queue operations

func (s *MemoryStore) CreateRequestQueue(ctx context.Context, q *types.RequestQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.Name != "" {
		for _, existing := range s.queues {
			if existing.PrincipalID == q.PrincipalID && existing.Name == q.Name {
				return apierr.New(apierr.TypeConflict, "request queue name already exists: %s", q.Name)
			}
		}
	}
	cp := *q
	s.queues[q.ID] = &cp
	s.requests[q.ID] = make(map[string]*types.Request)
	return nil
}

func (s *MemoryStore) GetRequestQueue(ctx context.Context, id string) (*types.RequestQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, apierr.NotFound("request queue", id)
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) GetRequestQueueByName(ctx context.Context, principalID, name string) (*types.RequestQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.PrincipalID == principalID && q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, apierr.NotFound("request queue", name)
}

func (s *MemoryStore) DeleteRequestQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[id]; !ok {
		return apierr.NotFound("request queue", id)
	}
	delete(s.queues, id)
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) MarkQueueMultiClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return apierr.NotFound("request queue", id)
	}
	q.HadMultipleClients = true
	return nil
}

// Request operations

func (s *MemoryStore) InsertRequest(ctx context.Context, req *types.Request) (*types.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[req.QueueID]
	if !ok {
		return nil, false, apierr.NotFound("request queue", req.QueueID)
	}
	for _, existing := range s.requests[req.QueueID] {
		if existing.UniqueKey == req.UniqueKey {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *req
	s.requests[req.QueueID][req.ID] = &cp
	q.TotalRequestCount++
	q.PendingRequestCount++
	q.ModifiedAt = time.Now().UTC()
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, queueID, id string) (*types.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[queueID][id]
	if !ok {
		return nil, apierr.NotFound("request", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetRequestsByID(ctx context.Context, queueID string, ids []string) ([]*types.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Request, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.requests[queueID][id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingRequests(ctx context.Context, queueID string, limit int) ([]*types.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Request
	for _, r := range s.requests[queueID] {
		if r.HandledAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNo < out[j].OrderNo })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, req *types.Request, markHandled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.QueueID][req.ID]; !ok {
		return apierr.NotFound("request", req.ID)
	}
	cp := *req
	s.requests[req.QueueID][req.ID] = &cp
	if markHandled {
		if q, ok := s.queues[req.QueueID]; ok {
			q.HandledRequestCount++
			q.PendingRequestCount--
			q.ModifiedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *MemoryStore) SetRequestLock(ctx context.Context, queueID, id string, lockedUntil *time.Time, lockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[queueID][id]
	if !ok {
		return nil // mirror only, missing row is not an error
	}
	r.LockedUntil = lockedUntil
	r.LockedBy = lockedBy
	return nil
}

func (s *MemoryStore) DeleteRequest(ctx context.Context, queueID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[queueID][id]
	if !ok {
		return apierr.NotFound("request", id)
	}
	delete(s.requests[queueID], id)
	if q, ok := s.queues[queueID]; ok {
		q.TotalRequestCount--
		if r.HandledAt == nil {
			q.PendingRequestCount--
		} else {
			q.HandledRequestCount--
		}
		q.ModifiedAt = time.Now().UTC()
	}
	return nil
}
