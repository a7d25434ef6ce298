// Package main is the entry point for the billing API server.
//
// It loads configuration, wires the billing services through internal/app,
// mounts the provider webhook and the /v1/billing routes on the core
// chassis, and serves them either over plain HTTP or behind API Gateway in
// AWS Lambda.
//
// In HTTP mode a non-empty SYNC_SCHEDULE also runs the subscription resync
// and the cleanup tasks in process. Lambda deployments leave scheduling to
// the maintenance function.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"stratplan/internal/api/handlers"
	"stratplan/internal/app"
	"stratplan/internal/config"
	"stratplan/internal/core"
	"stratplan/internal/external"
	"stratplan/internal/scheduler"
)

// metricsFlushInterval is how often the HTTP server ships buffered metrics.
const metricsFlushInterval = 30 * time.Second

// cleanupSchedule runs the purge tasks once a day, off the top of the hour.
const cleanupSchedule = "17 4 * * *"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	a, err := app.New(initCtx, cfg, logger, "api-"+uuid.New().String())
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}

	srv, err := buildServer(cfg, depsFromApp(a), logger)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	if isLambdaEnvironment() {
		return runLambda(srv, a, logger)
	}

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go a.Metrics.Run(bg, metricsFlushInterval)

	if cfg.Sync.Schedule != "" {
		c, err := newMaintenanceCron(a.Runner, cfg.Sync.Schedule, logger)
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
		c.Start()
		logger.Info("in-process maintenance schedule started", "sync_schedule", cfg.Sync.Schedule)
		srv.Closers = append([]func(context.Context) error{c.Stop}, srv.Closers...)
	}

	return runHTTPServer(srv, cfg, logger)
}

// serverDeps is everything the HTTP surface consumes.
type serverDeps struct {
	Authenticator core.Authenticator
	Metrics       interface {
		core.MetricsCollector
		handlers.WebhookMetrics
	}
	Verifier external.EventVerifier
	Ledger   handlers.EventClaimer
	Applier  handlers.EventApplier
	Billing  handlers.BillingActions
	Limits   handlers.BillingReader
	Probes   []core.HealthProbe
	Closers  []func(ctx context.Context) error
}

func depsFromApp(a *app.App) serverDeps {
	return serverDeps{
		Authenticator: a.Sessions,
		Metrics:       a.Metrics,
		Verifier:      a.Clients.Verifier,
		Ledger:        a.Ledger,
		Applier:       a.Reconciler,
		Billing:       a.Billing,
		Limits:        a.Limits,
		Probes: []core.HealthProbe{
			core.ProbeFunc{Component: "database", Fn: a.Pool.Ping},
		},
		Closers: []func(ctx context.Context) error{a.Close},
	}
}

// buildServer mounts the webhook and billing routes on a new core.Server.
func buildServer(cfg *config.Config, deps serverDeps, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Authenticator = deps.Authenticator
	srv.HealthProbes = deps.Probes
	srv.Closers = deps.Closers

	var webhookMetrics handlers.WebhookMetrics
	if deps.Metrics != nil {
		srv.Metrics = deps.Metrics
		webhookMetrics = deps.Metrics
	}

	webhook := handlers.NewStripeWebhookHandler(
		deps.Verifier,
		deps.Ledger,
		deps.Applier,
		webhookMetrics,
		logger.With("handler", "stripe_webhook"),
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhook.RegisterRoutes)

	billingHandler := handlers.NewBillingHandler(
		deps.Billing,
		deps.Limits,
		srv.Validator,
		cfg.Server.DashboardURL,
		logger.With("handler", "billing"),
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// newMaintenanceCron schedules the resync on syncSpec and the purges daily.
func newMaintenanceCron(runner scheduler.TaskRunner, syncSpec string, logger *slog.Logger) (*scheduler.Cron, error) {
	c := scheduler.NewCron(runner, logger.With("component", "cron"))
	if err := c.Schedule(syncSpec, scheduler.TaskSyncSubscriptions); err != nil {
		return nil, fmt.Errorf("scheduling subscription sync: %w", err)
	}
	for _, task := range []scheduler.TaskType{scheduler.TaskPurgeEventLedger, scheduler.TaskPurgeSessions} {
		if err := c.Schedule(cleanupSchedule, task); err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", task, err)
		}
	}
	return c, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway HTTP API events. Metrics are flushed after
// every invocation since the sandbox may freeze between them.
func runLambda(srv *core.Server, a *app.App, logger *slog.Logger) error {
	logger.Info("starting in Lambda mode")
	lambda.Start(newLambdaHandler(srv.Router(), func(ctx context.Context) {
		if err := a.Metrics.Flush(ctx); err != nil {
			logger.WarnContext(ctx, "metric flush failed", "error", err)
		}
	}))
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stops the cron, flushes metrics and closes the pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
