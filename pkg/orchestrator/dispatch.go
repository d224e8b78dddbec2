package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/runtime"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// dispatchTick is the poll fallback behind run:new notifications.
const dispatchTick = time.Second

// abortPollInterval is how often a live driver re-reads its run row to
// notice an abort.
const abortPollInterval = time.Second

// Start launches the dispatch and janitor loops.
func (s *Service) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	notify, stopSub := s.coord.SubscribeRunCreated(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopSub()
		s.dispatchLoop(notify)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitorLoop()
	}()

	s.logger.Info().Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns).Msg("orchestrator started")
}

// Stop cancels the loops and waits for live drivers to wind down.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("orchestrator stopped")
}

func (s *Service) dispatchLoop(notify <-chan string) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-notify:
		}
		s.dispatchPending()
	}
}

// dispatchPending claims READY runs until capacity is exhausted or the
// queue drains. The skip-locked claim in the store guarantees no run gets
// two drivers.
func (s *Service) dispatchPending() {
	for {
		if !s.tryReserve() {
			return
		}
		run, err := s.store.ClaimPendingRun(s.ctx)
		if err != nil {
			s.active.Add(-1)
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("failed to claim pending run")
			}
			return
		}
		if run == nil {
			s.active.Add(-1)
			return
		}
		metrics.RunsDispatched.Inc()
		s.launch(run)
	}
}

// tryReserve claims one driver slot, failing when the cap is reached. Every
// driver launch goes through a reservation so the cap holds across both the
// dispatch loop and direct resurrection.
func (s *Service) tryReserve() bool {
	for {
		cur := s.active.Load()
		if cur >= int64(s.cfg.MaxConcurrentRuns) {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// launch starts a driver task for a run already marked RUNNING. The caller
// holds a slot from tryReserve; the driver releases it on exit.
func (s *Service) launch(run *types.Run) {
	metrics.RunsActive.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.RunsActive.Dec()
		defer s.active.Add(-1)
		s.drive(run)
	}()
}

// drive owns one container execution end to end: env assembly, token
// minting, output streaming, timeout and abort observation, and the final
// status transition.
func (s *Service) drive(run *types.Run) {
	logger := s.logger.With().Str("run_id", run.ID).Logger()

	actor, err := s.store.GetActor(s.ctx, run.ActorID)
	if err != nil {
		s.finish(run.ID, types.RunStatusFailed, fmt.Sprintf("actor %s no longer exists", run.ActorID), nil)
		return
	}

	startedAt := time.Now().UTC()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	deadline := startedAt.Add(time.Duration(run.TimeoutSecs) * time.Second)

	// The token must outlive the run by enough for final SDK flushes.
	token, err := s.tokens.Issue(s.ctx, run.ID, run.PrincipalID, time.Until(deadline)+time.Hour)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue run token")
		s.finish(run.ID, types.RunStatusFailed, "failed to issue run token", nil)
		return
	}
	defer func() {
		if err := s.tokens.Revoke(context.Background(), token); err != nil {
			logger.Warn().Err(err).Msg("failed to revoke run token")
		}
	}()

	runCtx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	// Abort observer: the API mutates the row, the driver notices and stops
	// the container.
	go s.watchForAbort(runCtx, cancel, run.ID)

	var lastErrorLine string
	sink := func(level types.LogLevel, message string) {
		if level == types.LogLevelError {
			lastErrorLine = message
		}
		if _, err := s.logs.Append(context.Background(), run.ID, level, message); err != nil {
			logger.Warn().Err(err).Msg("failed to append run log")
		}
	}

	spec := &runtime.Spec{
		RunID:        run.ID,
		Image:        actor.DefaultRunOptions.Image,
		Env:          s.buildEnv(run, token, deadline),
		MemoryMbytes: run.MemoryMbytes,
		StorageDir:   s.cfg.StorageRoot,
	}

	logger.Info().Str("image", spec.Image).Time("deadline", deadline).Msg("starting container")
	exitCode, err := s.runtime.Execute(runCtx, spec, sink)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("runtime call cut off by run deadline")
			code := runtime.SigtermExitCode
			s.finish(run.ID, types.RunStatusTimedOut, "run exceeded its timeout", &code)
			return
		}
		logger.Error().Err(err).Msg("container execution failed")
		s.finish(run.ID, types.RunStatusFailed, fmt.Sprintf("runtime failure: %v", err), nil)
		return
	}

	// An abort already moved the row to a terminal state; the exit code of
	// the stopped container must not overwrite it.
	current, err := s.store.GetRun(context.Background(), run.ID)
	if err == nil && current.Status.Terminal() {
		logger.Info().Str("status", string(current.Status)).Msg("run already finished")
		return
	}

	status, message := mapExitCode(exitCode, lastErrorLine)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// The container does not have to die with 143: it can trap SIGTERM
		// and exit 0, or ignore it and exit 137 after the SIGKILL
		// escalation. The lapsed deadline decides the outcome, not the raw
		// exit status.
		exitCode = runtime.SigtermExitCode
		status, message = types.RunStatusTimedOut, "run exceeded its timeout"
	}
	s.finish(run.ID, status, message, &exitCode)
	logger.Info().Int("exit_code", exitCode).Str("status", string(status)).Msg("run finished")
}

func (s *Service) watchForAbort(ctx context.Context, cancel context.CancelFunc, runID string) {
	ticker := time.NewTicker(abortPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status.Terminal() {
				cancel()
				return
			}
		}
	}
}

// finish applies the terminal transition, tolerating races with abort.
func (s *Service) finish(runID string, status types.RunStatus, message string, exitCode *int) {
	if _, err := s.store.UpdateRunStatus(context.Background(), runID, status, message, exitCode); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Str("status", string(status)).Msg("failed to finish run")
		return
	}
	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
}

// mapExitCode translates a container exit code into the terminal status.
func mapExitCode(exitCode int, lastErrorLine string) (types.RunStatus, string) {
	switch exitCode {
	case 0:
		return types.RunStatusSucceeded, "finished"
	case runtime.SigtermExitCode:
		return types.RunStatusTimedOut, "run exceeded its timeout"
	default:
		message := fmt.Sprintf("container exited with code %d", exitCode)
		if lastErrorLine != "" {
			message = fmt.Sprintf("%s: %s", message, lastErrorLine)
		}
		return types.RunStatusFailed, message
	}
}

func (s *Service) janitorLoop() {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.FailOrphanedRuns(s.ctx, s.cfg.JanitorGrace)
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("janitor scan failed")
				}
				continue
			}
			if n > 0 {
				metrics.RunsOrphaned.Add(float64(n))
				s.logger.Warn().Int("count", n).Msg("failed orphaned runs")
			}
		}
	}
}
