/*
Package metrics exposes Prometheus instrumentation for the Crawlpoint server.

Metrics cover the run orchestrator (active/dispatched/finished/orphaned runs),
the request-queue engine (adds by dedup outcome, lease acquisitions and
conflicts), the dataset service, the log pipeline, and the HTTP surface.
Handler() serves the standard promhttp endpoint, mounted at /metrics.
*/
package metrics
