package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

const (
	// DefaultLockSecs is the lease duration when the caller does not pass one.
	DefaultLockSecs = 60

	// MaxBatchSize caps a single batch-add call.
	MaxBatchSize = 25

	// MaxHeadLimit caps head reads.
	MaxHeadLimit = 100

	// rebuildBatch bounds one lazy rebuild of the pending candidate set.
	rebuildBatch = 1000
)

// Service is the request-queue engine: deduplicated ingest, ordered head
// reads and lease-locked multi-worker consumption.
type Service struct {
	store  store.Store
	coord  *coord.Client
	logger zerolog.Logger
}

// NewService creates the queue engine.
func NewService(st store.Store, co *coord.Client) *Service {
	return &Service{
		store:  st,
		coord:  co,
		logger: log.WithComponent("queue"),
	}
}

// AddResult reports the outcome of a single request add.
type AddResult struct {
	RequestID         string `json:"requestId"`
	UniqueKey         string `json:"uniqueKey"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
}

// NewRequest is the ingest shape for a request.
type NewRequest struct {
	UniqueKey string            `json:"uniqueKey,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserData  json.RawMessage   `json:"userData,omitempty"`
	NoRetry   bool              `json:"noRetry,omitempty"`
}

// UnprocessedRequest identifies a batch item that failed.
type UnprocessedRequest struct {
	URL       string `json:"url"`
	UniqueKey string `json:"uniqueKey,omitempty"`
	Method    string `json:"method,omitempty"`
	Error     string `json:"errorMessage"`
}

// BatchResult partitions a batch add into per-item outcomes.
type BatchResult struct {
	Processed   []AddResult          `json:"processedRequests"`
	Unprocessed []UnprocessedRequest `json:"unprocessedRequests"`
}

// HeadResult is the response of an AcquireHead call.
type HeadResult struct {
	Items                  []*types.Request `json:"items"`
	QueueHasLockedRequests bool             `json:"queueHasLockedRequests"`
	HadMultipleClients     bool             `json:"hadMultipleClients"`
	LockExpiresAt          *time.Time       `json:"lockExpiresAt,omitempty"`
}

// RequestPatch carries the updatable request fields.
type RequestPatch struct {
	HandledAt     *time.Time      `json:"handledAt,omitempty"`
	RetryCount    *int            `json:"retryCount,omitempty"`
	ErrorMessages []string        `json:"errorMessages,omitempty"`
	UserData      json.RawMessage `json:"userData,omitempty"`
	NoRetry       *bool           `json:"noRetry,omitempty"`
}

// CreateQueue creates a request queue, optionally named.
func (s *Service) CreateQueue(ctx context.Context, principalID, name string) (*types.RequestQueue, error) {
	now := time.Now().UTC()
	q := &types.RequestQueue{
		ID:          types.NewID(),
		Name:        name,
		PrincipalID: principalID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.store.CreateRequestQueue(ctx, q); err != nil {
		return nil, err
	}
	s.logger.Info().Str("queue_id", q.ID).Str("name", name).Msg("request queue created")
	return q, nil
}

// GetQueue returns queue metadata including counters.
func (s *Service) GetQueue(ctx context.Context, queueID string) (*types.RequestQueue, error) {
	return s.store.GetRequestQueue(ctx, queueID)
}

// GetOrCreateByName returns the named queue, creating it on first use.
func (s *Service) GetOrCreateByName(ctx context.Context, principalID, name string) (*types.RequestQueue, error) {
	q, err := s.store.GetRequestQueueByName(ctx, principalID, name)
	if err == nil {
		return q, nil
	}
	if !apierr.Is(err, apierr.TypeNotFound) {
		return nil, err
	}
	return s.CreateQueue(ctx, principalID, name)
}

// DeleteQueue removes the queue, its requests and its coordination state.
func (s *Service) DeleteQueue(ctx context.Context, queueID string) error {
	if err := s.store.DeleteRequestQueue(ctx, queueID); err != nil {
		return err
	}
	if err := s.coord.PendingDrop(ctx, queueID); err != nil {
		s.logger.Warn().Err(err).Str("queue_id", queueID).Msg("failed to drop pending set")
	}
	return nil
}

// AddRequest ingests one request. A uniqueKey collision returns the
// surviving request's id without inserting.
func (s *Service) AddRequest(ctx context.Context, queueID string, in *NewRequest, forefront bool) (*AddResult, error) {
	if _, err := s.store.GetRequestQueue(ctx, queueID); err != nil {
		return nil, err
	}
	req, err := s.buildRequest(ctx, queueID, in, forefront)
	if err != nil {
		return nil, err
	}

	survivor, inserted, err := s.store.InsertRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if inserted {
		metrics.QueueRequestsAdded.WithLabelValues("inserted").Inc()
		if err := s.coord.PendingAdd(ctx, queueID, survivor.ID, survivor.OrderNo); err != nil {
			// The candidate set rebuilds lazily from the rows.
			s.logger.Warn().Err(err).Str("queue_id", queueID).Msg("failed to add pending candidate")
		}
	} else {
		metrics.QueueRequestsAdded.WithLabelValues("deduped").Inc()
	}

	return &AddResult{
		RequestID:         survivor.ID,
		UniqueKey:         survivor.UniqueKey,
		WasAlreadyPresent: !inserted,
		WasAlreadyHandled: survivor.HandledAt != nil,
	}, nil
}

// AddRequestsBatch ingests up to MaxBatchSize requests. Per-item failures
// land in Unprocessed without aborting the rest.
func (s *Service) AddRequestsBatch(ctx context.Context, queueID string, in []*NewRequest, forefront bool) (*BatchResult, error) {
	if len(in) > MaxBatchSize {
		return nil, apierr.Validation("batch exceeds %d requests", MaxBatchSize)
	}
	if _, err := s.store.GetRequestQueue(ctx, queueID); err != nil {
		return nil, err
	}

	out := &BatchResult{
		Processed:   []AddResult{},
		Unprocessed: []UnprocessedRequest{},
	}
	for _, item := range in {
		res, err := s.AddRequest(ctx, queueID, item, forefront)
		if err != nil {
			out.Unprocessed = append(out.Unprocessed, UnprocessedRequest{
				URL:       item.URL,
				UniqueKey: item.UniqueKey,
				Method:    item.Method,
				Error:     apierr.As(err).Message,
			})
			continue
		}
		out.Processed = append(out.Processed, *res)
	}
	return out, nil
}

func (s *Service) buildRequest(ctx context.Context, queueID string, in *NewRequest, forefront bool) (*types.Request, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, apierr.Validation("request url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}
	uniqueKey := in.UniqueKey
	if uniqueKey == "" {
		uniqueKey = DeriveUniqueKey(method, in.URL, in.Payload)
	}

	// FIFO inserts take the per-queue counter value; forefront takes its
	// negation so newer forefront requests sort before older ones, and all of
	// them before any FIFO request. The counter makes orderNo strictly
	// increasing even for same-instant concurrent inserts.
	orderNo, err := s.coord.NextOrderNo(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if forefront {
		orderNo = -orderNo
	}

	return &types.Request{
		ID:        types.NewID(),
		QueueID:   queueID,
		UniqueKey: uniqueKey,
		URL:       in.URL,
		Method:    method,
		Payload:   in.Payload,
		Headers:   in.Headers,
		UserData:  in.UserData,
		NoRetry:   in.NoRetry,
		OrderNo:   orderNo,
	}, nil
}

// headCandidates returns the pending requests at positions [offset,
// offset+n) in orderNo order, hydrated from the rows, plus how many
// candidate ids were consumed. The candidate set rebuilds from the store
// when it is empty but the counters say requests are pending.
func (s *Service) headCandidates(ctx context.Context, queueID string, offset, n int) ([]*types.Request, int, error) {
	ids, err := s.coord.PendingPeek(ctx, queueID, offset, n)
	if err != nil {
		return nil, 0, err
	}
	if len(ids) > 0 {
		reqs, err := s.store.GetRequestsByID(ctx, queueID, ids)
		if err != nil {
			return nil, 0, err
		}
		return reqs, len(ids), nil
	}
	if offset > 0 {
		// Past the end of a non-empty candidate set.
		return nil, 0, nil
	}

	q, err := s.store.GetRequestQueue(ctx, queueID)
	if err != nil {
		return nil, 0, err
	}
	if q.PendingRequestCount == 0 {
		return nil, 0, nil
	}

	pending, err := s.store.ListPendingRequests(ctx, queueID, rebuildBatch)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range pending {
		if err := s.coord.PendingAdd(ctx, queueID, r.ID, r.OrderNo); err != nil {
			return nil, 0, err
		}
	}
	if len(pending) > n {
		pending = pending[:n]
	}
	return pending, len(pending), nil
}

// forEachHeadCandidate walks the pending candidates in orderNo order, paging
// past any window of locked or handled requests, until visit reports it is
// done or the set is exhausted.
func (s *Service) forEachHeadCandidate(ctx context.Context, queueID string, visit func(r *types.Request) (bool, error)) error {
	const page = 2 * MaxHeadLimit
	for offset := 0; ; {
		candidates, consumed, err := s.headCandidates(ctx, queueID, offset, page)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil
		}
		for _, r := range candidates {
			done, err := visit(r)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if consumed < page {
			return nil
		}
		offset += consumed
	}
}

// GetHead peeks at up to limit pending, unlocked requests without taking
// leases.
func (s *Service) GetHead(ctx context.Context, queueID string, limit int) ([]*types.Request, error) {
	if _, err := s.store.GetRequestQueue(ctx, queueID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	items := make([]*types.Request, 0, limit)
	err := s.forEachHeadCandidate(ctx, queueID, func(r *types.Request) (bool, error) {
		if r.HandledAt != nil {
			return false, nil
		}
		owner, err := s.coord.RequestLockOwner(ctx, queueID, r.ID)
		if err != nil {
			return false, err
		}
		if owner != "" {
			return false, nil
		}
		items = append(items, r)
		return len(items) == limit, nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AcquireHead locks up to limit pending, unlocked requests for lockSecs
// under clientKey. Acquisition races resolve in the coordination store: a
// request that looks free in the row but is still leased there is skipped.
func (s *Service) AcquireHead(ctx context.Context, queueID string, limit, lockSecs int, clientKey string) (*HeadResult, error) {
	if clientKey == "" {
		return nil, apierr.Validation("clientKey is required")
	}
	if lockSecs <= 0 {
		lockSecs = DefaultLockSecs
	}
	limit = clampLimit(limit)

	q, err := s.store.GetRequestQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	// Client tracking feeds the sticky hadMultipleClients flag.
	clients, err := s.coord.RegisterClient(ctx, queueID, clientKey)
	if err != nil {
		return nil, err
	}
	hadMultiple := q.HadMultipleClients
	if clients > 1 && !hadMultiple {
		if err := s.store.MarkQueueMultiClient(ctx, queueID); err != nil {
			return nil, err
		}
		hadMultiple = true
	}

	ttl := time.Duration(lockSecs) * time.Second
	expiresAt := time.Now().UTC().Add(ttl)
	result := &HeadResult{
		Items:              []*types.Request{},
		HadMultipleClients: hadMultiple,
	}
	err = s.forEachHeadCandidate(ctx, queueID, func(r *types.Request) (bool, error) {
		if r.HandledAt != nil {
			return false, nil
		}
		ok, err := s.coord.AcquireRequestLock(ctx, queueID, r.ID, clientKey, ttl)
		if err != nil {
			return false, err
		}
		if !ok {
			metrics.QueueLockConflicts.Inc()
			result.QueueHasLockedRequests = true
			return false, nil
		}
		metrics.QueueLocksAcquired.Inc()

		// Best-effort row mirror for observability.
		if err := s.store.SetRequestLock(ctx, queueID, r.ID, &expiresAt, clientKey); err != nil {
			s.logger.Warn().Err(err).Str("request_id", r.ID).Msg("failed to mirror lock to row")
		}
		locked := *r
		locked.LockedUntil = &expiresAt
		locked.LockedBy = clientKey
		result.Items = append(result.Items, &locked)
		return len(result.Items) == limit, nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.Items) > 0 {
		result.QueueHasLockedRequests = true
		result.LockExpiresAt = &expiresAt
	}
	return result, nil
}

// ProlongLock extends clientKey's lease by lockSecs from now. Fails
// NOT_LOCK_OWNER when the lease is held by someone else or has lapsed.
func (s *Service) ProlongLock(ctx context.Context, queueID, requestID, clientKey string, lockSecs int) (time.Time, error) {
	if lockSecs <= 0 {
		lockSecs = DefaultLockSecs
	}
	if _, err := s.store.GetRequest(ctx, queueID, requestID); err != nil {
		return time.Time{}, err
	}

	ttl := time.Duration(lockSecs) * time.Second
	ok, err := s.coord.ProlongRequestLock(ctx, queueID, requestID, clientKey, ttl)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		metrics.QueueLockConflicts.Inc()
		return time.Time{}, apierr.New(apierr.TypeNotLockOwner,
			"client %s does not hold the lock on request %s", clientKey, requestID)
	}

	expiresAt := time.Now().UTC().Add(ttl)
	if err := s.store.SetRequestLock(ctx, queueID, requestID, &expiresAt, clientKey); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to mirror lock to row")
	}
	return expiresAt, nil
}

// ReleaseLock drops clientKey's lease, returning the request to pending.
func (s *Service) ReleaseLock(ctx context.Context, queueID, requestID, clientKey string) error {
	if _, err := s.store.GetRequest(ctx, queueID, requestID); err != nil {
		return err
	}
	ok, err := s.coord.ReleaseRequestLock(ctx, queueID, requestID, clientKey)
	if err != nil {
		return err
	}
	if !ok {
		metrics.QueueLockConflicts.Inc()
		return apierr.New(apierr.TypeNotLockOwner,
			"client %s does not hold the lock on request %s", clientKey, requestID)
	}
	if err := s.store.SetRequestLock(ctx, queueID, requestID, nil, ""); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to clear lock mirror")
	}
	return nil
}

// GetRequest returns a single request by id.
func (s *Service) GetRequest(ctx context.Context, queueID, requestID string) (*types.Request, error) {
	return s.store.GetRequest(ctx, queueID, requestID)
}

// UpdateRequest applies the patch. When the request is leased the caller
// must be the holder (LOCKED_BY_OTHER otherwise); a successful update by the
// holder implicitly clears the lease. Marking handled adjusts counters and
// drops the request from the head candidate set.
func (s *Service) UpdateRequest(ctx context.Context, queueID, requestID string, patch *RequestPatch, clientKey string) (*types.Request, error) {
	req, err := s.store.GetRequest(ctx, queueID, requestID)
	if err != nil {
		return nil, err
	}

	owner, err := s.coord.RequestLockOwner(ctx, queueID, requestID)
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != clientKey {
		return nil, apierr.New(apierr.TypeLockedByOther,
			"request %s is locked by another client", requestID)
	}

	markHandled := false
	if patch.HandledAt != nil && req.HandledAt == nil {
		markHandled = true
		req.HandledAt = patch.HandledAt
	}
	if patch.RetryCount != nil {
		req.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessages != nil {
		req.ErrorMessages = patch.ErrorMessages
	}
	if patch.UserData != nil {
		req.UserData = patch.UserData
	}
	if patch.NoRetry != nil {
		req.NoRetry = *patch.NoRetry
	}
	req.LockedUntil = nil
	req.LockedBy = ""

	if err := s.store.UpdateRequest(ctx, req, markHandled); err != nil {
		return nil, err
	}

	if owner == clientKey && owner != "" {
		if _, err := s.coord.ReleaseRequestLock(ctx, queueID, requestID, clientKey); err != nil {
			s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to release lock after update")
		}
	}
	if markHandled {
		if err := s.coord.PendingRemove(ctx, queueID, requestID); err != nil {
			s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to remove pending candidate")
		}
	}
	return req, nil
}

// DeleteRequest removes a request outright, adjusting counters.
func (s *Service) DeleteRequest(ctx context.Context, queueID, requestID string) error {
	if err := s.store.DeleteRequest(ctx, queueID, requestID); err != nil {
		return err
	}
	if err := s.coord.PendingRemove(ctx, queueID, requestID); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to remove pending candidate")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return MaxHeadLimit
	}
	if limit > MaxHeadLimit {
		return MaxHeadLimit
	}
	return limit
}
