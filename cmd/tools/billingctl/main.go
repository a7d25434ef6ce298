// Package main implements billingctl, the operator CLI for the billing
// service.
//
// It runs maintenance tasks outside EventBridge (backfills, incident
// repair), inspects entitlements and the price catalog, resyncs a single
// tenant, replays claimed webhook events and issues bearer sessions for
// local testing.
//
//	billingctl task list
//	billingctl task run sync_subscriptions --reference-time=2026-10-01T03:00:00Z
//	billingctl task history purge_event_ledger --limit 5
//	billingctl entitlement show ten_123
//	billingctl sync ten_123
//	billingctl event replay evt_123
//	billingctl catalog
//	billingctl session issue 0b7d5c6e-2f44-4b43-9a55-6a1f0f6e3c21
//
// Configuration is read the same way as the services: environment, then a
// .env file, then SSM outside APP_ENV=local.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"stratplan/internal/app"
	"stratplan/internal/config"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "billingctl",
	Short:         "Operate the billing service",
	Long:          `billingctl runs maintenance tasks and inspects billing state directly against the database.`,
	Version:       config.NewBuildInfo().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(entitlementCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(sessionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// openApp wires the full dependency graph. The caller must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger(), "billingctl-"+uuid.New().String())
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}
