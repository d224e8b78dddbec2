package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
)

func TestDatasetItemKeyPadding(t *testing.T) {
	assert.Equal(t, "datasets/ds1/000000000.json", DatasetItemKey("ds1", 0))
	assert.Equal(t, "datasets/ds1/000000042.json", DatasetItemKey("ds1", 42))
	assert.Equal(t, "datasets/ds1/123456789.json", DatasetItemKey("ds1", 123456789))
}

func TestKVRecordKeyEncoding(t *testing.T) {
	key := KVRecordKey("kv1", "my key/with:odd chars")
	decoded, err := DecodeKVRecordKey("kv1", key)
	require.NoError(t, err)
	assert.Equal(t, "my key/with:odd chars", decoded)

	// Escapes never introduce a path separator or a raw percent sign.
	assert.NotContains(t, key[len(KVPrefix("kv1")):], "/")

	_, err = DecodeKVRecordKey("kv1", KVPrefix("kv1")+"bad%2")
	require.Error(t, err)
}

func TestKVRecordKeyOrderPreserving(t *testing.T) {
	raw := []string{" a", "!a", "%x", "/slash", "0", "A", "a b", "a!b", "~z"}
	for i := 1; i < len(raw); i++ {
		a := KVRecordKey("kv1", raw[i-1])
		b := KVRecordKey("kv1", raw[i])
		assert.Less(t, a, b, "encoded order must match raw order for %q vs %q", raw[i-1], raw[i])
	}
	for _, k := range raw {
		decoded, err := DecodeKVRecordKey("kv1", KVRecordKey("kv1", k))
		require.NoError(t, err)
		assert.Equal(t, k, decoded)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", "application/json", []byte(`{"a":1}`)))

	data, ct, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)
	assert.Equal(t, `{"a":1}`, string(data))

	_, _, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.TypeNotFound))

	require.NoError(t, s.Delete(ctx, "k1"))
	_, _, err = s.Get(ctx, "k1")
	assert.True(t, apierr.Is(err, apierr.TypeNotFound))
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"p/a", "p/b", "p/c", "q/x"} {
		require.NoError(t, s.Put(ctx, k, "text/plain", []byte("v")))
	}

	keys, truncated, err := s.List(ctx, "p/", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)
	assert.True(t, truncated)

	keys, truncated, err = s.List(ctx, "p/", "p/b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p/c"}, keys)
	assert.False(t, truncated)
}
