package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/auth"
	"github.com/crawlpoint/crawlpoint/pkg/dataset"
	"github.com/crawlpoint/crawlpoint/pkg/health"
	"github.com/crawlpoint/crawlpoint/pkg/kv"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/logs"
	"github.com/crawlpoint/crawlpoint/pkg/metrics"
	"github.com/crawlpoint/crawlpoint/pkg/orchestrator"
	"github.com/crawlpoint/crawlpoint/pkg/queue"
	"github.com/crawlpoint/crawlpoint/pkg/store"
)

// Config configures the HTTP listener.
type Config struct {
	ListenAddr string
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Store    store.Store
	Runs     *orchestrator.Service
	Queues   *queue.Service
	Datasets *dataset.Service
	KVStores *kv.Service
	Logs     *logs.Service
	Resolver auth.Resolver
	// Health is optional; without it /health reports ok unconditionally.
	Health *health.Registry
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	deps     Deps
	router   chi.Router
	http     *http.Server
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the router.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser SDK clients connect cross-origin with a token query
			// parameter; the token is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Apify-Pagination-Total", "X-Apify-Pagination-Offset", "X-Apify-Pagination-Limit"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/acts", func(r chi.Router) {
			r.Post("/", s.handleCreateActor)
			r.Get("/", s.handleListActors)
			r.Route("/{actorID}", func(r chi.Router) {
				r.Get("/", s.handleGetActor)
				r.Put("/", s.handleUpdateActor)
				r.Delete("/", s.handleDeleteActor)
				r.Post("/runs", s.handleCreateRun)
			})
		})

		r.Route("/actor-runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/", s.handleUpdateRun)
				r.Post("/abort", s.handleAbortRun)
				r.Post("/resurrect", s.handleResurrectRun)
				r.Get("/logs", s.handleFetchLogs)
				r.Get("/logs/stream", s.handleStreamLogs)
			})
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", s.handleCreateDataset)
			r.Route("/{datasetID}", func(r chi.Router) {
				r.Get("/", s.handleGetDataset)
				r.Delete("/", s.handleDeleteDataset)
				r.Post("/items", s.handlePushItems)
				r.Get("/items", s.handleListItems)
			})
		})

		r.Route("/key-value-stores", func(r chi.Router) {
			r.Post("/", s.handleCreateKVStore)
			r.Route("/{storeID}", func(r chi.Router) {
				r.Get("/", s.handleGetKVStore)
				r.Delete("/", s.handleDeleteKVStore)
				r.Get("/keys", s.handleListKeys)
				r.Route("/records/{recordKey}", func(r chi.Router) {
					r.Get("/", s.handleGetRecord)
					r.Put("/", s.handlePutRecord)
					r.Delete("/", s.handleDeleteRecord)
				})
			})
		})

		r.Route("/request-queues", func(r chi.Router) {
			r.Post("/", s.handleCreateQueue)
			r.Route("/{queueID}", func(r chi.Router) {
				r.Get("/", s.handleGetQueue)
				r.Delete("/", s.handleDeleteQueue)
				r.Post("/requests", s.handleAddRequest)
				r.Post("/requests/batch", s.handleAddRequestsBatch)
				r.Get("/head", s.handleGetHead)
				r.Post("/head/lock", s.handleAcquireHead)
				r.Route("/requests/{requestID}", func(r chi.Router) {
					r.Get("/", s.handleGetRequest)
					r.Put("/", s.handleUpdateRequest)
					r.Delete("/", s.handleDeleteRequest)
					r.Put("/lock", s.handleProlongLock)
					r.Delete("/lock", s.handleReleaseLock)
				})
			})
		})
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeData(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	results, healthy := s.deps.Health.CheckAll(r.Context())
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeData(w, status, map[string]any{
		"status": state,
		"checks": results,
	})
}
