// Package app assembles the billing dependency graph from configuration.
// Every entrypoint (API server, maintenance function, billingctl) builds
// one App at startup and closes it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"stratplan/internal/auth"
	"stratplan/internal/billing"
	"stratplan/internal/config"
	"stratplan/internal/db"
	"stratplan/internal/dunning"
	"stratplan/internal/external"
	"stratplan/internal/scheduler"
	"stratplan/internal/telemetry"
	"stratplan/internal/types"
)

// App holds the long-lived clients and services of one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	AWS    aws.Config

	Clients *external.ClientRegistry
	Catalog *billing.Catalog
	Metrics *telemetry.Recorder

	Entitlements *db.EntitlementRepository
	Tenants      *db.TenantRepository
	History      *db.HistoryRepository
	Ledger       *db.EventLedger
	JobHistory   *db.JobHistoryRepository

	Sessions   *auth.Sessions
	Reconciler *billing.Reconciler
	Billing    *billing.Service
	Limits     *billing.LimitsService
	Syncer     *billing.Syncer
	Runner     *scheduler.Runner
}

// New connects to Postgres and AWS and wires every service. workerID
// identifies this process in job locks.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, workerID string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := OpenPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database schema applied")
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a, err := wire(cfg, logger, pool, awsCfg, workerID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, awsCfg aws.Config, workerID string) (*App, error) {
	clients, err := external.NewClientRegistry(cfg, logger, external.WithAWSConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("creating external clients: %w", err)
	}
	catalog, err := billing.CatalogFromConfig(cfg.Billing)
	if err != nil {
		return nil, fmt.Errorf("loading price catalog: %w", err)
	}

	var cw telemetry.CloudWatchClient
	if cfg.Environment != "local" || cfg.AWS.EndpointURL != "" {
		cw = cloudwatch.NewFromConfig(awsCfg)
	}
	metrics := telemetry.NewRecorder(cw, cfg.Observability.MetricNamespace, logger.With("component", "telemetry"))

	var publisher billing.DunningPublisher
	if cfg.AWS.DunningQueue != "" {
		publisher = dunning.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.DunningQueue, logger.With("component", "dunning"))
	}

	beginner := db.PoolBeginner{Pool: pool}
	entitlements := db.NewEntitlementRepository(pool)
	tenants := db.NewTenantRepository(pool)
	history := db.NewHistoryRepository(pool)
	locker := db.NewTenantLocker(beginner)
	clock := types.RealClock{}

	reconciler := billing.NewReconciler(billing.ReconcilerDeps{
		Entitlements: entitlements,
		History:      history,
		Directory:    tenants,
		Provisioner:  db.NewProvisioner(beginner),
		Credentials:  auth.NewPasswordIssuer(),
		Provider:     clients.Payments,
		Email:        clients.Email,
		Dunning:      publisher,
		Metrics:      metrics,
		Catalog:      catalog,
		Clock:        clock,
		Logger:       logger.With("component", "reconciler"),
	}, billing.ReconcilerConfig{
		GracePeriod:  cfg.Billing.GracePeriod,
		DashboardURL: cfg.Server.DashboardURL,
		Sender: types.SenderIdentity{
			Name:    cfg.Email.FromName,
			Address: cfg.Email.FromAddress,
		},
		WelcomeTemplateID: cfg.Email.WelcomeTemplateID,
	})

	usage := db.NewUsageRepository(pool)
	svc := billing.NewService(billing.ServiceDeps{
		Entitlements: entitlements,
		History:      history,
		Directory:    tenants,
		Usage:        usage,
		Locker:       locker,
		Provider:     clients.Payments,
		Metrics:      metrics,
		Catalog:      catalog,
		Clock:        clock,
		Logger:       logger.With("component", "billing"),
	}, cfg.Billing.TrialDays)

	syncer := billing.NewSyncer(reconciler, entitlements, locker, cfg.Sync.Concurrency)
	ledger := db.NewEventLedger(pool)
	sessionRepo := db.NewSessionRepository(pool)
	jobHistory := db.NewJobHistoryRepository(pool)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		AWS:     awsCfg,
		Clients: clients,
		Catalog: catalog,
		Metrics: metrics,

		Entitlements: entitlements,
		Tenants:      tenants,
		History:      history,
		Ledger:       ledger,
		JobHistory:   jobHistory,

		Sessions:   auth.NewSessions(sessionRepo, tenants, cfg.Security.SessionDuration, clock, logger.With("component", "sessions")),
		Reconciler: reconciler,
		Billing:    svc,
		Limits:     billing.NewLimitsService(entitlements, tenants, usage, cfg.Billing.FreeAccessTenantIDs, clock),
		Syncer:     syncer,
		Runner: &scheduler.Runner{
			Syncer:     syncer,
			Cleanup:    scheduler.NewCleanupService(ledger, sessionRepo, logger.With("component", "cleanup")),
			JobLock:    db.NewJobLockRepository(pool),
			JobHistory: jobHistory,
			WorkerID:   workerID,
			Options: scheduler.Options{
				Staleness:       cfg.Sync.Staleness,
				BatchLimit:      cfg.Sync.BatchLimit,
				LedgerRetention: cfg.Sync.LedgerRetention,
			},
			Logger: logger.With("component", "scheduler"),
		},
	}, nil
}

// Close flushes buffered metrics and releases the pool.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Metrics != nil {
		if err := a.Metrics.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing metrics: %w", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}

// OpenPool creates a pgx pool from cfg and verifies connectivity.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout(cfg))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// PoolConfig translates the database settings into a pgxpool config.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 && int32(cfg.MinConns) <= poolCfg.MaxConns {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	return poolCfg, nil
}

func pingTimeout(cfg config.DatabaseConfig) time.Duration {
	if cfg.AcquireTimeout > 0 {
		return 2 * cfg.AcquireTimeout
	}
	return 5 * time.Second
}

// LoadAWSConfig loads the default credential chain for cfg.Region. A
// non-empty EndpointURL points every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}
