package dataset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// pushParallelism bounds concurrent blob writes within one push.
const pushParallelism = 8

// Service is the dataset service: append-only JSON item sequences with
// contiguous indexes.
type Service struct {
	store  store.Store
	blobs  blob.Store
	logger zerolog.Logger
}

// NewService creates the dataset service.
func NewService(st store.Store, blobs blob.Store) *Service {
	return &Service{
		store:  st,
		blobs:  blobs,
		logger: log.WithComponent("dataset"),
	}
}

// CreateDataset creates a dataset, optionally named.
func (s *Service) CreateDataset(ctx context.Context, principalID, name string) (*types.Dataset, error) {
	now := time.Now().UTC()
	ds := &types.Dataset{
		ID:          types.NewID(),
		Name:        name,
		PrincipalID: principalID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.store.CreateDataset(ctx, ds); err != nil {
		return nil, err
	}
	s.logger.Info().Str("dataset_id", ds.ID).Str("name", name).Msg("dataset created")
	return ds, nil
}

// GetDataset returns dataset metadata.
func (s *Service) GetDataset(ctx context.Context, datasetID string) (*types.Dataset, error) {
	return s.store.GetDataset(ctx, datasetID)
}

// GetOrCreateByName returns the named dataset, creating it on first use.
func (s *Service) GetOrCreateByName(ctx context.Context, principalID, name string) (*types.Dataset, error) {
	ds, err := s.store.GetDatasetByName(ctx, principalID, name)
	if err == nil {
		return ds, nil
	}
	if !apierr.Is(err, apierr.TypeNotFound) {
		return nil, err
	}
	return s.CreateDataset(ctx, principalID, name)
}

// DeleteDataset removes the dataset and best-effort deletes its item blobs.
func (s *Service) DeleteDataset(ctx context.Context, datasetID string) error {
	if err := s.store.DeleteDataset(ctx, datasetID); err != nil {
		return err
	}
	prefix := blob.DatasetPrefix(datasetID)
	startAfter := ""
	for {
		keys, truncated, err := s.blobs.List(ctx, prefix, startAfter, 1000)
		if err != nil {
			s.logger.Warn().Err(err).Str("dataset_id", datasetID).Msg("failed to list item blobs for cleanup")
			return nil
		}
		for _, k := range keys {
			if err := s.blobs.Delete(ctx, k); err != nil {
				s.logger.Warn().Err(err).Str("key", k).Msg("failed to delete item blob")
			}
		}
		if !truncated || len(keys) == 0 {
			return nil
		}
		startAfter = keys[len(keys)-1]
	}
}

// PushItems appends items in order, assigning each an index in
// [itemCount, itemCount+N). The index range is fixed under the dataset row
// lock before any write starts; blob writes within the batch run in
// parallel. If any sub-write fails the call fails with PARTIAL_WRITE,
// itemCount does not advance and the written blobs are removed, so
// partially-written ranges are never exposed.
func (s *Service) PushItems(ctx context.Context, datasetID string, items []json.RawMessage) (int64, error) {
	if len(items) == 0 {
		return 0, apierr.Validation("no items to push")
	}
	for i, item := range items {
		if !json.Valid(item) {
			return 0, apierr.Validation("item %d is not valid JSON", i)
		}
	}

	_, err := s.store.PushDatasetItems(ctx, datasetID, len(items), func(base int64) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pushParallelism)
		written := make([]string, len(items))
		for i, item := range items {
			key := blob.DatasetItemKey(datasetID, base+int64(i))
			written[i] = key
			g.Go(func() error {
				return s.blobs.Put(gctx, key, "application/json", item)
			})
		}
		if err := g.Wait(); err != nil {
			for _, key := range written {
				if derr := s.blobs.Delete(ctx, key); derr != nil {
					s.logger.Warn().Err(derr).Str("key", key).Msg("failed to clean up after partial write")
				}
			}
			return apierr.Wrap(err, apierr.TypePartialWrite,
				"failed to write %d items to dataset %s", len(items), datasetID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.DatasetItemsPushed.Add(float64(len(items)))
	return int64(len(items)), nil
}

// ListResult is one page of dataset items plus pagination totals.
type ListResult struct {
	Items  []json.RawMessage
	Total  int64
	Offset int64
	Limit  int64
	Count  int64
}

// ListItems returns items [offset, offset+limit) in index order.
func (s *Service) ListItems(ctx context.Context, datasetID string, offset, limit int64) (*ListResult, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 1000
	}

	end := offset + limit
	if end > ds.ItemCount {
		end = ds.ItemCount
	}
	n := end - offset
	if n <= 0 {
		return &ListResult{Items: []json.RawMessage{}, Total: ds.ItemCount, Offset: offset, Limit: limit}, nil
	}

	items := make([]json.RawMessage, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pushParallelism)
	for i := int64(0); i < n; i++ {
		g.Go(func() error {
			data, _, err := s.blobs.Get(gctx, blob.DatasetItemKey(datasetID, offset+i))
			if err != nil {
				return err
			}
			items[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ListResult{
		Items:  items,
		Total:  ds.ItemCount,
		Offset: offset,
		Limit:  limit,
		Count:  n,
	}, nil
}
