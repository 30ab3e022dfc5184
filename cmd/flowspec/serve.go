package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowspec/backend/internal/api"
	"flowspec/backend/internal/auth"
	"flowspec/backend/internal/cache"
	"flowspec/backend/internal/config"
	"flowspec/backend/internal/logging"
	"flowspec/backend/internal/mcp"
	"flowspec/backend/internal/messaging"
	"flowspec/backend/internal/observability"
	"flowspec/backend/internal/repository"
	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/internal/services"
	"flowspec/backend/internal/tls"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// eventStreamMaxLen caps the domain event stream (approximate trimming).
const eventStreamMaxLen = 100_000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		inMemory, _ := cmd.Flags().GetBool("memory")
		return serve(cmd.Context(), cfg, logger, inMemory)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("memory", false, "Use the in-memory store instead of Postgres (data is lost on exit)")
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger, inMemory bool) error {
	logger.Info("starting flowspec", "version", api.Version, "environment", cfg.Environment, "memory", inMemory)

	var traceOut io.Writer
	if cfg.Tracing.Stdout {
		traceOut = os.Stdout
	}
	shutdownTracing, err := observability.InitTracing("flowspec", api.Version, traceOut)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	var repo repository.Repository
	if inMemory {
		repo = memory.NewStore()
	} else {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}
		repo = repository.NewPostgresStore(pool)
	}
	logger.Info("repository ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := services.Options{
		Logger:            logger,
		Events:            messaging.NewLogPublisher(logger),
		Metrics:           services.NewMetrics(reg),
		FanOutParallelism: cfg.FanOut.MaxParallel,
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts.Snapshots = cache.NewSnapshotCache(rdb, cache.WithTTL(cfg.Cache.SnapshotTTL), cache.WithLogger(logger))
		if cfg.Events.Enabled {
			opts.Events = messaging.NewStreamPublisher(rdb, cfg.Events.Stream, eventStreamMaxLen, logger)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr, "events", cfg.Events.Enabled)
	}
	engine := services.NewEngine(repo, opts)

	authz, err := auth.New(ctx, cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("authentication bypassed", "actor", auth.DevActor)
	}
	authn := echo.WrapMiddleware(authz.RequireAuth)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	srv := api.NewServer(engine, repo, logger, reg)
	srv.Issuer = cfg.Auth.Issuer
	srv.Register(e, authn)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(engine, api.Version)
	mcp.MountHTTPHandlers(e, mcpServer.GetMCPServer(), authn)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("failed to prepare tls certificate: %w", err)
		}
		if generated {
			logger.Warn("generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}
