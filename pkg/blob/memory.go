package blob

import (
	"context"
	"sort"
	"sync"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memBlob)}
}

func (s *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = memBlob{data: cp, contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, "", apierr.NotFound("blob", key)
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, b.contentType, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix, startAfter string, limit int) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.blobs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	truncated := false
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		truncated = true
	}
	return keys, truncated, nil
}

var _ Store = (*MemoryStore)(nil)
