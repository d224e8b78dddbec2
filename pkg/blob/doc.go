/*
Package blob stores payload bodies: dataset items, key-value records and run
INPUT blobs.

S3Store is the production backend and works against AWS S3 or any
S3-compatible provider via a custom endpoint with path-style addressing.
Backend failures surface as DEPENDENCY_UNAVAILABLE through a circuit
breaker. MemoryStore backs tests.

Key layout:

	datasets/<datasetId>/<index>.json
	key-value-stores/<storeId>/<url-encoded-key>
*/
package blob
