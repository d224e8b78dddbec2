package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// The "default" storage id resolves per principal. The first reference
// creates the named resource, later references reuse it.

func (s *Server) resolveDatasetID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "datasetID")
	if id != types.DefaultAlias {
		return id, nil
	}
	ds, err := s.deps.Datasets.GetOrCreateByName(r.Context(), principalFrom(r.Context()).ID, types.DefaultAlias)
	if err != nil {
		return "", err
	}
	return ds.ID, nil
}

func (s *Server) resolveKVStoreID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "storeID")
	if id != types.DefaultAlias {
		return id, nil
	}
	kvs, err := s.deps.KVStores.GetOrCreateByName(r.Context(), principalFrom(r.Context()).ID, types.DefaultAlias)
	if err != nil {
		return "", err
	}
	return kvs.ID, nil
}

func (s *Server) resolveQueueID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "queueID")
	if id != types.DefaultAlias {
		return id, nil
	}
	q, err := s.deps.Queues.GetOrCreateByName(r.Context(), principalFrom(r.Context()).ID, types.DefaultAlias)
	if err != nil {
		return "", err
	}
	return q.ID, nil
}
