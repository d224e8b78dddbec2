/*
Package auth resolves bearer tokens to principals.

Two token kinds exist: long-lived API keys (cp_ prefix) from static
configuration, and short-lived per-run tokens (cpr_ prefix) minted when a
run container starts and revoked when it finishes. Run tokens live in the
coordination store so any replica can resolve them.
*/
package auth
