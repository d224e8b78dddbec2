/*
Package api is the HTTP surface under /v2.

Successful responses are wrapped in {"data": ...}; errors are
{"error": {"type", "message"}} with the status derived from the error
type. The dataset items listing and key-value record reads return raw
bodies instead, matching the wire contract scraper SDKs expect.

Authentication accepts API keys and per-run tokens as bearer tokens; the
token query parameter is honored for websocket upgrades.
*/
package api
