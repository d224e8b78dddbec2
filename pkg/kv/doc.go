/*
Package kv implements key-value stores: opaque records with content types
under per-store namespaces.

Record bodies live in the blob store under URL-encoded keys; the relational
store only tracks store metadata. A missing record in an existing store is
not an error at this layer; the HTTP surface maps it to 204 to distinguish
it from a missing store (404).
*/
package kv
