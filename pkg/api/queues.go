package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/queue"
)

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var body namedResourceBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	principalID := principalFrom(r.Context()).ID
	if body.Name != "" {
		q, err := s.deps.Queues.GetOrCreateByName(r.Context(), principalID, body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusCreated, q)
		return
	}
	q, err := s.deps.Queues.CreateQueue(r.Context(), principalID, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, q)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.deps.Queues.GetQueue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queues.DeleteQueue(r.Context(), chi.URLParam(r, "queueID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	var body queue.NewRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Queues.AddRequest(r.Context(), id, &body, queryBool(r, "forefront"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleAddRequestsBatch(w http.ResponseWriter, r *http.Request) {
	var body []*queue.NewRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Queues.AddRequestsBatch(r.Context(), id, body, queryBool(r, "forefront"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.deps.Queues.GetHead(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleAcquireHead(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	lockSecs, err := queryInt(r, "lockSecs", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Queues.AcquireHead(r.Context(), id, limit, lockSecs, r.URL.Query().Get("clientKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.deps.Queues.GetRequest(r.Context(), id, chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	var patch queue.RequestPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := s.deps.Queues.UpdateRequest(r.Context(), id, chi.URLParam(r, "requestID"), &patch, r.URL.Query().Get("clientKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Queues.DeleteRequest(r.Context(), id, chi.URLParam(r, "requestID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProlongLock(w http.ResponseWriter, r *http.Request) {
	lockSecs, err := queryInt(r, "lockSecs", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	expiresAt, err := s.deps.Queues.ProlongLock(r.Context(), id, chi.URLParam(r, "requestID"), r.URL.Query().Get("clientKey"), lockSecs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"lockExpiresAt": expiresAt})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveQueueID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Queues.ReleaseLock(r.Context(), id, chi.URLParam(r, "requestID"), r.URL.Query().Get("clientKey")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
