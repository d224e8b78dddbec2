/*
Package queue implements the request-queue engine: a multi-producer,
multi-consumer, deduplicated FIFO with per-request lease locks.

Dedup is enforced by the unique (queueId, uniqueKey) constraint in the
metadata store. Ordering runs on signed orderNo values: FIFO inserts take a
positive microsecond timestamp, forefront inserts its negation. Head reads
walk the per-queue candidate set in the coordination store, hydrate rows and
skip anything currently leased; the coordination store is authoritative for
lease state, with a best-effort mirror in the rows.

Lease expiry is silent. A lapsed lease simply becomes acquirable; the former
holder learns about it through NOT_LOCK_OWNER on its next prolong or update.
*/
package queue
