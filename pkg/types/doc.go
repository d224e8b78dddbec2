/*
Package types defines the core data structures used throughout Crawlpoint.

This package contains all fundamental types that represent the platform's domain
model: actors, runs, datasets, key-value stores, request queues, queue requests,
log entries, and principals. These types are shared by the storage layer, the
run orchestrator, the request-queue engine, and the HTTP surface.

# Core Types

Actor lifecycle:
  - Actor: a deployable containerized scraping job definition
  - Run: one execution attempt with concrete input and resource caps
  - RunStatus: READY, RUNNING, SUCCEEDED, FAILED, TIMED-OUT, ABORTED
  - RunOptions: image reference, memory cap, timeout

Storage:
  - Dataset: ordered append-only sequence of JSON items
  - KeyValueStore: key -> (blob, content type) map
  - RequestQueue: deduplicated FIFO with lease-locked consumption
  - Request: a single queue element with uniqueKey, orderNo and lease fields

Observability:
  - LogEntry / LogLevel: entries in the per-run log ring

Identity:
  - Principal: opaque authenticated identity passed through by the auth layer

# State Machine

Runs follow a state machine:

	READY ──dispatch──▶ RUNNING ──▶ SUCCEEDED | FAILED | TIMED-OUT | ABORTED
	Terminal ─resurrect──▶ RUNNING

ValidTransition encodes the legal moves; UpdateStatus callers reject anything
else. FinishedAt is set exactly when a run enters a terminal state.

# Identifiers

All entity IDs are opaque 21-character strings over a uniform alphanumeric
alphabet, generated by NewID. The length and alphabet are externally visible
and must not change.
*/
package types
