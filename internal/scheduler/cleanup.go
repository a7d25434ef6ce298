package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerStore is the part of the webhook event ledger the cleanup needs.
type LedgerStore interface {
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// SessionStore is the part of the session repository the cleanup needs.
type SessionStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CleanupService deletes rows that have outlived their usefulness.
type CleanupService struct {
	ledger   LedgerStore
	sessions SessionStore
	logger   *slog.Logger
}

// NewCleanupService creates a CleanupService.
func NewCleanupService(ledger LedgerStore, sessions SessionStore, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		ledger:   ledger,
		sessions: sessions,
		logger:   logger,
	}
}

// PurgeEventLedger removes ledger rows claimed before now-retention. The
// retention must exceed the provider's redelivery window or a late retry
// would be applied twice.
func (c *CleanupService) PurgeEventLedger(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("ledger retention must be positive, got %s", retention)
	}
	cutoff := now.Add(-retention)

	count, err := c.ledger.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging event ledger: %w", err)
	}

	if count > 0 {
		c.logger.InfoContext(ctx, "purged event ledger",
			"count", count,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return count, nil
}

// PurgeSessions removes sessions that expired before now.
func (c *CleanupService) PurgeSessions(ctx context.Context, now time.Time) (int, error) {
	count, err := c.sessions.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	if count > 0 {
		c.logger.InfoContext(ctx, "purged expired sessions", "count", count)
	}
	return count, nil
}
