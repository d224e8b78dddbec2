package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store is the payload blob store. Keys are opaque slash-separated paths;
// the layout helpers below produce them.
type Store interface {
	// Put writes data under key with the given content type, overwriting
	// any existing blob.
	Put(ctx context.Context, key, contentType string, data []byte) error
	// Get returns the blob and its content type. Missing keys surface as
	// NOT_FOUND.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys under prefix, lexicographically after
	// startAfter, plus whether more keys remain.
	List(ctx context.Context, prefix, startAfter string, limit int) ([]string, bool, error)
}

// DatasetItemKey returns the blob key for a dataset item by index.
// Zero-padding keeps lexicographic order equal to numeric order.
func DatasetItemKey(datasetID string, index int64) string {
	return fmt.Sprintf("datasets/%s/%09d.json", datasetID, index)
}

// DatasetPrefix returns the blob key prefix holding a dataset's items.
func DatasetPrefix(datasetID string) string {
	return fmt.Sprintf("datasets/%s/", datasetID)
}

// KVRecordKey returns the blob key for a key-value record. The record key is
// escaped so arbitrary keys stay within one path segment and key listings
// come back in raw-key lexicographic order.
func KVRecordKey(storeID, recordKey string) string {
	return fmt.Sprintf("key-value-stores/%s/%s", storeID, escapeRecordKey(recordKey))
}

// KVPrefix returns the blob key prefix holding a key-value store's records.
func KVPrefix(storeID string) string {
	return fmt.Sprintf("key-value-stores/%s/", storeID)
}

// DecodeKVRecordKey recovers the record key from a blob key listed under
// KVPrefix.
func DecodeKVRecordKey(storeID, blobKey string) (string, error) {
	prefix := KVPrefix(storeID)
	if len(blobKey) < len(prefix) {
		return "", fmt.Errorf("blob key %q is not under %q", blobKey, prefix)
	}
	decoded, err := unescapeRecordKey(blobKey[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode record key: %w", err)
	}
	return decoded, nil
}

const hexUpper = "0123456789ABCDEF"

// escapeRecordKey writes every byte below '0' as %XX and keeps the rest
// literal. The threshold covers '/' and '%' themselves, and because an
// escape starts with '%' (0x25) it never outsorts a literal byte, so the
// encoded space preserves raw-key lexicographic order. Backends list keys in
// encoded order; this keeps ListKeys ordered by the keys clients actually
// wrote.
func escapeRecordKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < '0' {
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0x0F])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeRecordKey(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		hi := strings.IndexByte(hexUpper, s[i+1])
		lo := strings.IndexByte(hexUpper, s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}
