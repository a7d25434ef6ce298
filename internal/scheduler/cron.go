package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskRunner is satisfied by *Runner.
type TaskRunner interface {
	Run(ctx context.Context, payload MaintenancePayload) (string, error)
}

// Cron triggers maintenance tasks in process on standard cron specs. It is
// used by long-running deployments that have no EventBridge rules.
type Cron struct {
	cron   *cron.Cron
	runner TaskRunner
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCron creates a stopped Cron. Specs are evaluated in UTC so the lock
// hour matches the Lambda trigger.
func NewCron(runner TaskRunner, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule registers task under spec ("0 * * * *", "@every 30m").
func (c *Cron) Schedule(spec string, task TaskType) error {
	if _, err := ParseTask(string(task)); err != nil {
		return err
	}
	_, err := c.cron.AddFunc(spec, func() {
		if _, err := c.runner.Run(c.ctx, MaintenancePayload{Task: task}); err != nil {
			c.logger.ErrorContext(c.ctx, "scheduled task failed",
				"task", string(task),
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, task, err)
	}
	return nil
}

// Len reports the number of registered entries.
func (c *Cron) Len() int { return len(c.cron.Entries()) }

// Start begins triggering in a background goroutine.
func (c *Cron) Start() { c.cron.Start() }

// Stop halts triggering, cancels running tasks and waits for them to
// return or for ctx to end.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	c.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
