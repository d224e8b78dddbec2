/*
Package store provides metadata persistence for actors, runs, storages and
queue requests.

PostgresStore is the production implementation. It relies on row locks for the
operations that must serialize: run dispatch claims a READY row with FOR
UPDATE SKIP LOCKED, dataset pushes advance itemCount under a row lock, and
request inserts dedup on (queue_id, unique_key) with ON CONFLICT DO NOTHING.
Queue counters are adjusted in the same transaction as the row change that
triggers them.

MemoryStore implements the same interface behind a mutex and backs tests.
*/
package store
