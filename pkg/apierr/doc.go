/*
Package apierr defines the service-level error taxonomy shared by all core
services and the HTTP surface.

Every error a service returns is (or wraps) an *apierr.Error carrying one of
the stable wire codes (NOT_FOUND, INVALID_STATE, NOT_LOCK_OWNER, ...). The
HTTP layer maps the code to a status via Status() and renders the body as

	{"error": {"type": "<code>", "message": "<human>"}}

Infrastructure failures (database, coordination store, blob store, container
runtime) are retried at most once by the owning adapter and then surfaced as
DEPENDENCY_UNAVAILABLE. Anything unrecognized falls through as INTERNAL.
*/
package apierr
