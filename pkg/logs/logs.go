package logs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// ReplayCount is how many trailing entries a new subscriber receives before
// live delivery starts.
const ReplayCount = 50

// Service is the per-run log pipeline: bounded rings in the coordination
// store plus live fan-out over pub/sub.
type Service struct {
	coord  *coord.Client
	logger zerolog.Logger
}

// NewService creates the log pipeline.
func NewService(co *coord.Client) *Service {
	return &Service{
		coord:  co,
		logger: log.WithComponent("logs"),
	}
}

// Append assigns the next sequence number, stores the entry in the run's
// ring and fans it out to live subscribers.
func (s *Service) Append(ctx context.Context, runID string, level types.LogLevel, message string) (*types.LogEntry, error) {
	seq, err := s.coord.NextLogSeq(ctx, runID)
	if err != nil {
		return nil, err
	}
	entry := &types.LogEntry{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := s.coord.AppendLogEntry(ctx, runID, payload); err != nil {
		return nil, err
	}
	metrics.LogEntriesAppended.Inc()

	if err := s.coord.PublishLogEntry(ctx, runID, payload); err != nil {
		// Live fan-out is best-effort; the ring is the record.
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to publish log entry")
	}
	return entry, nil
}

// Fetch returns up to limit retained entries starting at offset within the
// ring, plus the retained total. Entries evicted by the ring cap or the TTL
// are gone.
func (s *Service) Fetch(ctx context.Context, runID string, offset, limit int64) ([]types.LogEntry, int64, error) {
	total, err := s.coord.LogCount(ctx, runID)
	if err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = coord.LogCap
	}
	if offset >= total {
		return []types.LogEntry{}, total, nil
	}

	payloads, err := s.coord.FetchLogEntries(ctx, runID, offset, offset+limit-1)
	if err != nil {
		return nil, 0, err
	}
	entries := make([]types.LogEntry, 0, len(payloads))
	for _, p := range payloads {
		var e types.LogEntry
		if err := json.Unmarshal(p, &e); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("dropping undecodable log entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

// Subscribe attaches to a run's log stream. The subscriber first receives
// the last ReplayCount retained entries, then live entries. Subscription
// happens before the replay read and entries are deduplicated on seq, so
// nothing is lost or duplicated across the handover.
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan types.LogEntry, func(), error) {
	live, stop := s.coord.SubscribeLogEntries(ctx, runID)

	replay, err := s.coord.FetchLogEntries(ctx, runID, -ReplayCount, -1)
	if err != nil {
		stop()
		return nil, nil, err
	}

	out := make(chan types.LogEntry, ReplayCount+64)
	metrics.LogSubscribers.Inc()

	go func() {
		defer close(out)
		defer metrics.LogSubscribers.Dec()

		var watermark int64
		for _, p := range replay {
			var e types.LogEntry
			if err := json.Unmarshal(p, &e); err != nil {
				continue
			}
			watermark = e.Seq
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-live:
				if !ok {
					return
				}
				var e types.LogEntry
				if err := json.Unmarshal(p, &e); err != nil {
					continue
				}
				// Entries published while the replay was read arrive on both
				// paths; the watermark drops the duplicates.
				if e.Seq <= watermark {
					continue
				}
				watermark = e.Seq
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, stop, nil
}
