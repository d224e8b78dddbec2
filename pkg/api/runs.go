package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/orchestrator"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

type createRunBody struct {
	Input   json.RawMessage `json:"input,omitempty"`
	Timeout int             `json:"timeout,omitempty"`
	Memory  int             `json:"memory,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	run, err := s.deps.Runs.CreateRun(r.Context(), chi.URLParam(r, "actorID"), principalFrom(r.Context()).ID, orchestrator.CreateRunParams{
		Input:        body.Input,
		ContentType:  "application/json",
		TimeoutSecs:  body.Timeout,
		MemoryMbytes: body.Memory,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, total, err := s.deps.Runs.ListRuns(r.Context(), principalFrom(r.Context()).ID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items":  runs,
		"count":  len(runs),
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

type updateRunBody struct {
	Status        types.RunStatus `json:"status"`
	StatusMessage string          `json:"statusMessage"`
	ExitCode      *int            `json:"exitCode,omitempty"`
}

// handleUpdateRun is the trusted transition endpoint used by run containers
// holding a per-run token.
func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var body updateRunBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Status == "" {
		writeError(w, apierr.Validation("status is required"))
		return
	}
	run, err := s.deps.Runs.UpdateStatus(r.Context(), chi.URLParam(r, "runID"), body.Status, body.StatusMessage, body.ExitCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.AbortRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleResurrectRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.ResurrectRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleFetchLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Runs.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt64(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, total, err := s.deps.Logs.Fetch(r.Context(), runID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items":  entries,
		"count":  len(entries),
		"total":  total,
		"offset": offset,
	})
}
