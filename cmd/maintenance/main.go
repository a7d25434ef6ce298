// Package main is the entrypoint for the maintenance Lambda function.
//
// EventBridge rules send a scheduler.MaintenancePayload naming the task:
//
//	{"task": "sync_subscriptions"}
//	{"task": "purge_event_ledger", "reference_time": "2026-10-01T03:00:00Z"}
//
// The handler hands it to the scheduler runner, which takes the hourly job
// lock, records job history and dispatches. Buffered metrics are flushed
// before the invocation returns.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"stratplan/internal/app"
	"stratplan/internal/config"
	"stratplan/internal/scheduler"
)

// Handler adapts the scheduler runner to the Lambda runtime.
type Handler struct {
	Runner scheduler.TaskRunner
	// Flush ships buffered metrics; nil skips it.
	Flush  func(ctx context.Context) error
	Logger *slog.Logger
}

// Handle runs one maintenance task. A metrics flush failure never fails
// the invocation.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result, err := h.Runner.Run(ctx, payload)

	if h.Flush != nil {
		if flushErr := h.Flush(ctx); flushErr != nil {
			logger.WarnContext(ctx, "metric flush failed",
				"task", string(payload.Task),
				"error", flushErr,
			)
		}
	}
	return result, err
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Unique per sandbox; identifies the lock owner.
	workerID := uuid.New().String()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger, workerID)
	cancel()
	if err != nil {
		logger.Error("failed to wire application", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Runner: a.Runner,
		Flush:  a.Metrics.Flush,
		Logger: logger,
	}

	logger.Info("maintenance Lambda initialized",
		"worker_id", workerID,
		"environment", cfg.Environment,
	)

	lambda.Start(handler.Handle)
}
