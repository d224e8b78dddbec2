package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlpoint/crawlpoint/pkg/api"
	"github.com/crawlpoint/crawlpoint/pkg/auth"
	"github.com/crawlpoint/crawlpoint/pkg/blob"
	"github.com/crawlpoint/crawlpoint/pkg/config"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/dataset"
	"github.com/crawlpoint/crawlpoint/pkg/health"
	"github.com/crawlpoint/crawlpoint/pkg/kv"
	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/logs"
	"github.com/crawlpoint/crawlpoint/pkg/orchestrator"
	"github.com/crawlpoint/crawlpoint/pkg/queue"
	"github.com/crawlpoint/crawlpoint/pkg/runtime"
	"github.com/crawlpoint/crawlpoint/pkg/store"
)

const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Crawlpoint API server and run orchestrator",
	Long: `Start the HTTP API, the dispatch loop and the janitor in one
process. The process exits 1 when any backing service (Postgres, Redis,
blob store, containerd) is unreachable at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	st, err := store.NewPostgresStore(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	co, err := coord.New(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer co.Close()
	if err := co.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:       cfg.Blob.Bucket,
		Prefix:       cfg.Blob.Prefix,
		Region:       cfg.Blob.Region,
		Endpoint:     cfg.Blob.Endpoint,
		UsePathStyle: cfg.Blob.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	defer rt.Close()

	tokens := auth.NewRunTokenIssuer(co)
	logPipeline := logs.NewService(co)

	runs := orchestrator.NewService(orchestrator.Config{
		MaxConcurrentRuns:  cfg.Scheduler.MaxConcurrentRuns,
		DefaultTimeoutSecs: cfg.Scheduler.DefaultTimeoutSecs,
		DefaultMemoryMB:    cfg.Scheduler.DefaultMemoryMB,
		JanitorInterval:    cfg.Scheduler.JanitorInterval,
		APIBaseURL:         cfg.Server.PublicBaseURL,
		StorageRoot:        cfg.Runtime.StorageRoot,
	}, st, co, blobs, logPipeline, rt, tokens)

	checks := health.NewRegistry()
	checks.Register(health.NewPingChecker("postgres", st.Ping))
	checks.Register(health.NewPingChecker("redis", co.Ping))
	if cfg.Runtime.ContainerdSocket != "" {
		checks.Register(health.NewTCPChecker("containerd", "unix", cfg.Runtime.ContainerdSocket))
	}

	srv := api.NewServer(api.Config{ListenAddr: cfg.Server.ListenAddr}, api.Deps{
		Store:    st,
		Runs:     runs,
		Queues:   queue.NewService(st, co),
		Datasets: dataset.NewService(st, blobs),
		KVStores: kv.NewService(st, blobs),
		Logs:     logPipeline,
		Resolver: auth.NewChainResolver(auth.NewAPIKeyResolver(cfg.Auth.APIKeys), tokens),
		Health:   checks,
	})

	runs.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
	runs.Stop()
	logger.Info().Msg("shutdown complete")
	return nil
}
