package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/store"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// failingBlobStore fails Put for one specific key.
type failingBlobStore struct {
	blob.Store
	failKey string
}

func (f *failingBlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if key == f.failKey {
		return fmt.Errorf("injected write failure")
	}
	return f.Store.Put(ctx, key, contentType, data)
}

func newTestService(t *testing.T) (*Service, blob.Store) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	return NewService(store.NewMemoryStore(), blobs), blobs
}

func items(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestPushAndListItems(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	ds, err := s.CreateDataset(ctx, "user-1", "")
	require.NoError(t, err)

	n, err := s.PushItems(ctx, ds.ID, items(`{"a":1}`, `{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.PushItems(ctx, ds.ID, items(`{"a":3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := s.ListItems(ctx, ds.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	require.Len(t, res.Items, 3)
	assert.JSONEq(t, `{"a":1}`, string(res.Items[0]))
	assert.JSONEq(t, `{"a":3}`, string(res.Items[2]))
}

func TestListItemsPagination(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	ds, err := s.CreateDataset(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = s.PushItems(ctx, ds.ID, items(`1`, `2`, `3`, `4`, `5`))
	require.NoError(t, err)

	res, err := s.ListItems(ctx, ds.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, `3`, string(res.Items[0]))
	assert.Equal(t, `4`, string(res.Items[1]))

	// Offset past the end yields an empty page with the right total.
	res, err = s.ListItems(ctx, ds.ID, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, int64(5), res.Total)
}

func TestPushItemsPartialWrite(t *testing.T) {
	blobs := blob.NewMemoryStore()
	st := store.NewMemoryStore()
	ctx := context.Background()

	ds := &types.Dataset{ID: types.NewID(), PrincipalID: "user-1"}
	require.NoError(t, st.CreateDataset(ctx, ds))

	failing := &failingBlobStore{Store: blobs, failKey: blob.DatasetItemKey(ds.ID, 1)}
	s := NewService(st, failing)

	_, err := s.PushItems(ctx, ds.ID, items(`1`, `2`, `3`))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.TypePartialWrite))

	// itemCount did not advance and no partial range is visible.
	got, err := st.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ItemCount)

	keys, _, err := blobs.List(ctx, blob.DatasetPrefix(ds.ID), "", 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// A later push succeeds and starts at index 0.
	n, err := s.PushItems(ctx, ds.ID, items(`1`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPushItemsRejectsInvalidJSON(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	ds, err := s.CreateDataset(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = s.PushItems(ctx, ds.ID, items(`{"ok":1}`, `{not json`))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.TypeValidation))
}

func TestGetOrCreateByName(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	first, err := s.GetOrCreateByName(ctx, "user-1", "results")
	require.NoError(t, err)
	second, err := s.GetOrCreateByName(ctx, "user-1", "results")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
