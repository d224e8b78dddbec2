package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// NormalizeURL canonicalizes a request URL for dedup: trimmed, lowercased,
// fragment stripped, trailing slash stripped.
func NormalizeURL(rawURL string) string {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if i := strings.Index(s, "#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "/")
}

// DeriveUniqueKey computes the canonical unique key for a request that did
// not supply one. The derivation is part of the wire contract: clients
// observe the value and SDKs recompute it, so it must not change.
//
// GET with no payload keys on the normalized URL alone. Anything else mixes
// in the method and the first 8 characters of a base64 SHA-256 of the
// payload, so two POSTs to one URL with different bodies stay distinct.
func DeriveUniqueKey(method, rawURL, payload string) string {
	norm := NormalizeURL(rawURL)
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet && payload == "" {
		return norm
	}
	sum := sha256.Sum256([]byte(payload))
	hash8 := base64.StdEncoding.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s(%s):%s", method, hash8, norm)
}
