package kv

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// MaxKeyLength bounds record keys.
const MaxKeyLength = 256

// DefaultListLimit is the page size for ListKeys when none is given.
const DefaultListLimit = 1000

// Service is the key-value store service: named blobs with content types
// under per-store namespaces.
type Service struct {
	store  store.Store
	blobs  blob.Store
	logger zerolog.Logger
}

// NewService creates the key-value service.
func NewService(st store.Store, blobs blob.Store) *Service {
	return &Service{
		store:  st,
		blobs:  blobs,
		logger: log.WithComponent("kv"),
	}
}

// CreateStore creates a key-value store, optionally named.
func (s *Service) CreateStore(ctx context.Context, principalID, name string) (*types.KeyValueStore, error) {
	now := time.Now().UTC()
	kvs := &types.KeyValueStore{
		ID:          types.NewID(),
		Name:        name,
		PrincipalID: principalID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.store.CreateKeyValueStore(ctx, kvs); err != nil {
		return nil, err
	}
	s.logger.Info().Str("store_id", kvs.ID).Str("name", name).Msg("key-value store created")
	return kvs, nil
}

// GetStore returns store metadata.
func (s *Service) GetStore(ctx context.Context, storeID string) (*types.KeyValueStore, error) {
	return s.store.GetKeyValueStore(ctx, storeID)
}

// GetOrCreateByName returns the named store, creating it on first use.
func (s *Service) GetOrCreateByName(ctx context.Context, principalID, name string) (*types.KeyValueStore, error) {
	kvs, err := s.store.GetKeyValueStoreByName(ctx, principalID, name)
	if err == nil {
		return kvs, nil
	}
	if !apierr.Is(err, apierr.TypeNotFound) {
		return nil, err
	}
	return s.CreateStore(ctx, principalID, name)
}

// DeleteStore removes the store and best-effort deletes its record blobs.
func (s *Service) DeleteStore(ctx context.Context, storeID string) error {
	if err := s.store.DeleteKeyValueStore(ctx, storeID); err != nil {
		return err
	}
	prefix := blob.KVPrefix(storeID)
	startAfter := ""
	for {
		keys, truncated, err := s.blobs.List(ctx, prefix, startAfter, 1000)
		if err != nil {
			s.logger.Warn().Err(err).Str("store_id", storeID).Msg("failed to list record blobs for cleanup")
			return nil
		}
		for _, k := range keys {
			if err := s.blobs.Delete(ctx, k); err != nil {
				s.logger.Warn().Err(err).Str("key", k).Msg("failed to delete record blob")
			}
		}
		if !truncated || len(keys) == 0 {
			return nil
		}
		startAfter = keys[len(keys)-1]
	}
}

// Record is a key-value record body plus its content type.
type Record struct {
	Key         string
	ContentType string
	Value       []byte
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return apierr.Validation("record key is required")
	}
	if len(key) > MaxKeyLength {
		return apierr.Validation("record key exceeds %d characters", MaxKeyLength)
	}
	return nil
}

// PutRecord writes a record, overwriting any previous value.
func (s *Service) PutRecord(ctx context.Context, storeID, key, contentType string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.store.GetKeyValueStore(ctx, storeID); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(ctx, blob.KVRecordKey(storeID, key), contentType, value); err != nil {
		return err
	}
	if err := s.store.TouchKeyValueStore(ctx, storeID); err != nil {
		s.logger.Warn().Err(err).Str("store_id", storeID).Msg("failed to touch store")
	}
	return nil
}

// GetRecord returns a record. A missing store is NOT_FOUND; a missing key in
// an existing store returns (nil, nil) and the HTTP layer maps it to 204.
func (s *Service) GetRecord(ctx context.Context, storeID, key string) (*Record, error) {
	if _, err := s.store.GetKeyValueStore(ctx, storeID); err != nil {
		return nil, err
	}
	value, contentType, err := s.blobs.Get(ctx, blob.KVRecordKey(storeID, key))
	if err != nil {
		if apierr.Is(err, apierr.TypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &Record{Key: key, ContentType: contentType, Value: value}, nil
}

// DeleteRecord removes a record. Deleting a missing key is a no-op.
func (s *Service) DeleteRecord(ctx context.Context, storeID, key string) error {
	if _, err := s.store.GetKeyValueStore(ctx, storeID); err != nil {
		return err
	}
	return s.blobs.Delete(ctx, blob.KVRecordKey(storeID, key))
}

// KeyInfo describes one listed key.
type KeyInfo struct {
	Key string `json:"key"`
}

// KeyPage is one page of ListKeys output.
type KeyPage struct {
	Items                 []KeyInfo `json:"items"`
	Count                 int       `json:"count"`
	Limit                 int       `json:"limit"`
	ExclusiveStartKey     string    `json:"exclusiveStartKey,omitempty"`
	IsTruncated           bool      `json:"isTruncated"`
	NextExclusiveStartKey string    `json:"nextExclusiveStartKey,omitempty"`
}

// ListKeys pages through record keys in lexicographic order.
func (s *Service) ListKeys(ctx context.Context, storeID, exclusiveStartKey string, limit int) (*KeyPage, error) {
	if _, err := s.store.GetKeyValueStore(ctx, storeID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	startAfter := ""
	if exclusiveStartKey != "" {
		startAfter = blob.KVRecordKey(storeID, exclusiveStartKey)
	}
	blobKeys, truncated, err := s.blobs.List(ctx, blob.KVPrefix(storeID), startAfter, limit)
	if err != nil {
		return nil, err
	}

	page := &KeyPage{
		Items:             []KeyInfo{},
		Limit:             limit,
		ExclusiveStartKey: exclusiveStartKey,
		IsTruncated:       truncated,
	}
	for _, bk := range blobKeys {
		key, err := blob.DecodeKVRecordKey(storeID, bk)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, KeyInfo{Key: key})
	}
	page.Count = len(page.Items)
	if truncated && page.Count > 0 {
		page.NextExclusiveStartKey = page.Items[page.Count-1].Key
	}
	return page, nil
}
