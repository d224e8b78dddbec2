package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

type contextKey int

const principalKey contextKey = iota

// principalFrom returns the authenticated principal, or nil outside the
// authenticated route tree.
func principalFrom(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(principalKey).(*types.Principal)
	return p
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for browser contexts that cannot set
// headers (websocket upgrades, direct links).
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the bearer token to a principal and stores it on
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		principal, err := s.deps.Resolver.Resolve(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// observe records per-request metrics and an access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades need the raw ResponseWriter (Hijacker).
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// queryInt parses an integer query parameter, using def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Validation("invalid %s: %q", name, raw)
	}
	return n, nil
}

// queryInt64 parses an int64 query parameter, using def when absent.
func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.Validation("invalid %s: %q", name, raw)
	}
	return n, nil
}

// queryBool parses a boolean query parameter, false when absent.
func queryBool(r *http.Request, name string) bool {
	raw := strings.ToLower(r.URL.Query().Get(name))
	return raw == "true" || raw == "1"
}
