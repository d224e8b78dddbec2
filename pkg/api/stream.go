package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	// streamStatusPoll is how often the stream checks for run completion.
	streamStatusPoll = time.Second
	// streamDrainWindow lets entries appended right before the terminal
	// transition reach the subscriber before the close frame.
	streamDrainWindow = 500 * time.Millisecond
)

// handleStreamLogs upgrades to a websocket and streams log entries: first
// the retained tail, then live entries until the client disconnects or the
// run finishes. Terminal runs close the socket with the final status in the
// close reason.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Runs.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	entries, stop, err := s.deps.Logs.Subscribe(ctx, runID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(streamWriteTimeout))
		return
	}
	defer stop()

	// Reader goroutine: the client never sends data frames, but reading is
	// what surfaces close frames and connection drops.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	statusTicker := time.NewTicker(streamStatusPoll)
	defer statusTicker.Stop()

	var drainUntil *time.Time
	var closeReason string
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case now := <-statusTicker.C:
			if drainUntil != nil {
				if now.After(*drainUntil) {
					s.closeStream(conn, closeReason)
					return
				}
				continue
			}
			run, err := s.deps.Runs.GetRun(ctx, runID)
			if err != nil {
				s.closeStream(conn, "run no longer exists")
				return
			}
			if run.Status.Terminal() {
				until := now.Add(streamDrainWindow)
				drainUntil = &until
				closeReason = fmt.Sprintf("run %s", run.Status)
			}
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(streamWriteTimeout))
}
