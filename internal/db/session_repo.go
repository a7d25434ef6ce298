package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stratplan/internal/types"
)

// SessionRepository provides data access for the sessions table. Sessions
// are keyed by the SHA-256 of the bearer token; the token itself is never
// stored.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a session.
func (r *SessionRepository) Create(ctx context.Context, s *types.Session) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		s.TokenHash,
		s.UserID,
		s.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// GetByTokenHash returns the session stored under tokenHash, expired or not.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, error) {
	var s types.Session
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT token_hash, user_id, expires_at FROM sessions WHERE token_hash = $1`,
		tokenHash,
	).Scan(&s.TokenHash, &s.UserID, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve session", err)
	}
	return &s, nil
}

// DeleteExpired removes sessions that expired before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired sessions", err)
	}
	return int(tag.RowsAffected()), nil
}
