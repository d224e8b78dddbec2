package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUniqueKeyGet(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"plain", "https://example.com/page", "https://example.com/page"},
		{"uppercase host", "https://Example.COM/Page", "https://example.com/page"},
		{"trailing slash", "https://example.com/page/", "https://example.com/page"},
		{"fragment", "https://example.com/page#section", "https://example.com/page"},
		{"whitespace", "  https://example.com/page  ", "https://example.com/page"},
		{"fragment then slash", "https://example.com/page/#top", "https://example.com/page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveUniqueKey("GET", tt.url, ""))
		})
	}
}

func TestDeriveUniqueKeyWithPayload(t *testing.T) {
	payload := `{"q":"search"}`
	sum := sha256.Sum256([]byte(payload))
	hash8 := base64.StdEncoding.EncodeToString(sum[:])[:8]

	key := DeriveUniqueKey("POST", "https://example.com/api/", payload)
	assert.Equal(t, fmt.Sprintf("POST(%s):https://example.com/api", hash8), key)

	// Different payloads to the same URL must not collide.
	other := DeriveUniqueKey("POST", "https://example.com/api/", `{"q":"other"}`)
	assert.NotEqual(t, key, other)
}

func TestDeriveUniqueKeyMethodDefaultsToGet(t *testing.T) {
	assert.Equal(t, "https://example.com", DeriveUniqueKey("", "https://example.com", ""))
	// Lowercase get is treated as GET.
	assert.Equal(t, "https://example.com", DeriveUniqueKey("get", "https://example.com", ""))
}
