/*
Package coord is the Redis coordination layer shared by server replicas.

It holds the state that must be visible across processes with sub-second
freshness: request lease locks (SET NX plus compare-owner Lua scripts, so
prolong and release never race with expiry), per-queue head candidate sets
(sorted by orderNo), per-queue client tracking, per-run log rings with their
sequence counters, and the pub/sub channels that carry dispatch nudges and
live log entries.

Redis is authoritative for leases and log rings. The relational store keeps
a best-effort mirror of lease state for observability only.
*/
package coord
