// Package health aggregates readiness probes for the server's backing
// services. The API's /health endpoint runs every registered checker and
// reports 503 when any dependency is down.
package health
