package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/auth"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/logs"
	"github.com/crawlpoint/crawlpoint/pkg/runtime"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentRuns caps live containers per server process.
	MaxConcurrentRuns int
	// DefaultTimeoutSecs applies when neither the run nor the actor sets one.
	DefaultTimeoutSecs int
	// DefaultMemoryMB applies when neither the run nor the actor sets one.
	DefaultMemoryMB int
	// JanitorInterval is the orphan scan period.
	JanitorInterval time.Duration
	// JanitorGrace is the slack past a run's deadline before the janitor
	// declares it orphaned.
	JanitorGrace time.Duration
	// APIBaseURL is handed to containers so SDKs talk back to this server.
	APIBaseURL string
	// StorageRoot is the local storage dir exposed to containers.
	StorageRoot string
}

// Service drives runs through their state machine with bounded concurrency
// and at-most-one-driver-per-run.
type Service struct {
	cfg     Config
	store   store.Store
	coord   *coord.Client
	blobs   blob.Store
	logs    *logs.Service
	runtime runtime.ContainerRuntime
	tokens  *auth.RunTokenIssuer
	logger  zerolog.Logger

	active atomic.Int64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService wires the orchestrator.
func NewService(cfg Config, st store.Store, co *coord.Client, blobs blob.Store, lg *logs.Service, rt runtime.ContainerRuntime, tokens *auth.RunTokenIssuer) *Service {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 8
	}
	if cfg.DefaultTimeoutSecs <= 0 {
		cfg.DefaultTimeoutSecs = 3600
	}
	if cfg.DefaultMemoryMB <= 0 {
		cfg.DefaultMemoryMB = 1024
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.JanitorGrace <= 0 {
		cfg.JanitorGrace = 60 * time.Second
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		coord:   co,
		blobs:   blobs,
		logs:    lg,
		runtime: rt,
		tokens:  tokens,
		logger:  log.WithComponent("orchestrator"),
	}
}

// CreateRunParams carries per-run overrides and the INPUT body.
type CreateRunParams struct {
	Input        []byte
	ContentType  string
	TimeoutSecs  int
	MemoryMbytes int
}

// CreateRun allocates fresh storage handles, persists the INPUT blob, and
// inserts the run in READY. Dispatch workers are nudged over run:new.
func (s *Service) CreateRun(ctx context.Context, actorID, principalID string, params CreateRunParams) (*types.Run, error) {
	actor, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ds := &types.Dataset{ID: types.NewID(), PrincipalID: principalID, CreatedAt: now, ModifiedAt: now}
	if err := s.store.CreateDataset(ctx, ds); err != nil {
		return nil, err
	}
	kvs := &types.KeyValueStore{ID: types.NewID(), PrincipalID: principalID, CreatedAt: now, ModifiedAt: now}
	if err := s.store.CreateKeyValueStore(ctx, kvs); err != nil {
		return nil, err
	}
	rq := &types.RequestQueue{ID: types.NewID(), PrincipalID: principalID, CreatedAt: now, ModifiedAt: now}
	if err := s.store.CreateRequestQueue(ctx, rq); err != nil {
		return nil, err
	}

	if len(params.Input) > 0 {
		contentType := params.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		if err := s.blobs.Put(ctx, blob.KVRecordKey(kvs.ID, "INPUT"), contentType, params.Input); err != nil {
			return nil, err
		}
	}

	timeoutSecs := params.TimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = actor.DefaultRunOptions.TimeoutSecs
	}
	if timeoutSecs <= 0 {
		timeoutSecs = s.cfg.DefaultTimeoutSecs
	}
	memoryMbytes := params.MemoryMbytes
	if memoryMbytes <= 0 {
		memoryMbytes = actor.DefaultRunOptions.MemoryMbytes
	}
	if memoryMbytes <= 0 {
		memoryMbytes = s.cfg.DefaultMemoryMB
	}

	run := &types.Run{
		ID:                     types.NewID(),
		ActorID:                actor.ID,
		PrincipalID:            principalID,
		Status:                 types.RunStatusReady,
		DefaultDatasetID:       ds.ID,
		DefaultKeyValueStoreID: kvs.ID,
		DefaultRequestQueueID:  rq.ID,
		TimeoutSecs:            timeoutSecs,
		MemoryMbytes:           memoryMbytes,
		Stats:                  types.RunStats{InputBodyLen: len(params.Input)},
		CreatedAt:              now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := s.coord.PublishRunCreated(ctx, run.ID); err != nil {
		// Best-effort; the dispatch tick will find the run.
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to publish run created")
	}

	s.logger.Info().Str("run_id", run.ID).Str("actor_id", actor.ID).Msg("run created")
	return run, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns pages a principal's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, principalID string, offset, limit int) ([]*types.Run, int64, error) {
	return s.store.ListRuns(ctx, principalID, offset, limit)
}

// AbortRun transitions RUNNING to ABORTED. The live driver notices the
// terminal row on its next poll and stops the container; this works even
// when the driver lives in another replica.
func (s *Service) AbortRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != types.RunStatusRunning {
		return nil, apierr.InvalidState("run %s is %s, only RUNNING runs can be aborted", runID, run.Status)
	}
	return s.store.UpdateRunStatus(ctx, runID, types.RunStatusAborted, "aborted by user", nil)
}

// ResurrectRun transitions a terminal run back to RUNNING, reusing its
// storage handles, and launches a driver for it directly. The retained log
// ring keeps the previous attempt's tail.
func (s *Service) ResurrectRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, apierr.InvalidState("run %s is %s, only finished runs can be resurrected", runID, run.Status)
	}
	// Resurrected rows go straight to RUNNING, so dispatch never claims
	// them; the driver starts here and needs a slot under the same cap.
	if !s.tryReserve() {
		return nil, apierr.New(apierr.TypeConflict,
			"cannot resurrect run %s: concurrency limit reached", runID)
	}
	updated, err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, "resurrected", nil)
	if err != nil {
		s.active.Add(-1)
		return nil, err
	}
	s.launch(updated)
	return updated, nil
}

// UpdateStatus applies a trusted status transition, e.g. from the runtime
// driver or the internal PUT endpoint.
func (s *Service) UpdateStatus(ctx context.Context, runID string, status types.RunStatus, statusMessage string, exitCode *int) (*types.Run, error) {
	return s.store.UpdateRunStatus(ctx, runID, status, statusMessage, exitCode)
}
