package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

func (s *Server) handleCreateKVStore(w http.ResponseWriter, r *http.Request) {
	var body namedResourceBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	principalID := principalFrom(r.Context()).ID
	if body.Name != "" {
		kvs, err := s.deps.KVStores.GetOrCreateByName(r.Context(), principalID, body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusCreated, kvs)
		return
	}
	kvs, err := s.deps.KVStores.CreateStore(r.Context(), principalID, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, kvs)
}

func (s *Server) handleGetKVStore(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveKVStoreID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kvs, err := s.deps.KVStores.GetStore(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, kvs)
}

func (s *Server) handleDeleteKVStore(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.KVStores.DeleteStore(r.Context(), chi.URLParam(r, "storeID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveKVStoreID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.deps.KVStores.ListKeys(r.Context(), id, r.URL.Query().Get("exclusiveStartKey"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

// handleGetRecord returns the raw record body with its stored content type.
// A missing key in an existing store is 204; a missing store is 404.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveKVStoreID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.deps.KVStores.GetRecord(r.Context(), id, chi.URLParam(r, "recordKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	if record == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", record.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(record.Value)
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Validation("failed to read body: %v", err))
		return
	}
	id, err := s.resolveKVStoreID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.KVStores.PutRecord(r.Context(), id, chi.URLParam(r, "recordKey"), r.Header.Get("Content-Type"), value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveKVStoreID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.KVStores.DeleteRecord(r.Context(), id, chi.URLParam(r, "recordKey")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
