package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

type namedResourceBody struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var body namedResourceBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	principalID := principalFrom(r.Context()).ID
	if body.Name != "" {
		ds, err := s.deps.Datasets.GetOrCreateByName(r.Context(), principalID, body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusCreated, ds)
		return
	}
	ds, err := s.deps.Datasets.CreateDataset(r.Context(), principalID, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, ds)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveDatasetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ds, err := s.deps.Datasets.GetDataset(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, ds)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Datasets.DeleteDataset(r.Context(), chi.URLParam(r, "datasetID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePushItems accepts either a single JSON object or a JSON array of
// objects and appends them in order.
func (s *Server) handlePushItems(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Validation("failed to read body: %v", err))
		return
	}
	items, err := splitItems(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.resolveDatasetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.deps.Datasets.PushItems(r.Context(), id, items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"count": count})
}

func splitItems(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, apierr.Validation("empty body")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, apierr.Validation("invalid JSON array: %v", err)
		}
		return items, nil
	}
	if !json.Valid(trimmed) {
		return nil, apierr.Validation("body is not valid JSON")
	}
	return []json.RawMessage{trimmed}, nil
}

// handleListItems returns a bare JSON array; pagination rides in the
// x-apify-pagination headers rather than an envelope.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
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
	id, err := s.resolveDatasetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.deps.Datasets.ListItems(r.Context(), id, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Apify-Pagination-Total", strconv.FormatInt(page.Total, 10))
	w.Header().Set("X-Apify-Pagination-Offset", strconv.FormatInt(page.Offset, 10))
	w.Header().Set("X-Apify-Pagination-Limit", strconv.FormatInt(page.Limit, 10))
	writeJSON(w, http.StatusOK, page.Items)
}
