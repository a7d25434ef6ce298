// Package auth resolves bearer session tokens into actors and issues the
// one-time credentials handed to owners provisioned at checkout.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stratplan/internal/types"
)

// DefaultSessionDuration is the lifetime of a new session.
const DefaultSessionDuration = 7 * 24 * time.Hour

// sessionTokenPrefix marks bearer tokens issued by this package.
const sessionTokenPrefix = "sess_"

// SessionRepo is the session storage used by Sessions.
type SessionRepo interface {
	Create(ctx context.Context, s *types.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*types.Session, error)
}

// UserLookup resolves the user behind a session.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*types.User, error)
}

// HashToken produces a hex-encoded SHA-256 hash of a raw token string. Only
// the hash is persisted, so it must be deterministic and searchable.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// CanonicalizeEmail normalizes email addresses for consistent DB lookups.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GenerateSessionToken returns "sess_" followed by 32 random bytes in hex.
func GenerateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return sessionTokenPrefix + hex.EncodeToString(b), nil
}

// Sessions issues and resolves bearer session tokens.
type Sessions struct {
	repo     SessionRepo
	users    UserLookup
	duration time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewSessions creates a Sessions service. A zero duration uses
// DefaultSessionDuration; nil clock and logger use the real clock and
// slog.Default().
func NewSessions(repo SessionRepo, users UserLookup, duration time.Duration, clock types.Clock, logger *slog.Logger) *Sessions {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{repo: repo, users: users, duration: duration, clock: clock, logger: logger}
}

// Issue creates a session for userID and returns the raw bearer token. The
// token is not recoverable afterwards.
func (s *Sessions) Issue(ctx context.Context, userID string) (string, *types.Session, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate session token", err)
	}
	session := &types.Session{
		TokenHash: HashToken(token),
		UserID:    userID,
		ExpiresAt: s.clock.Now().Add(s.duration),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return "", nil, err
	}
	s.logger.InfoContext(ctx, "session issued", "user_id", userID, "expires_at", session.ExpiresAt)
	return token, session, nil
}

// ResolveToken maps a bearer token to the acting user. Unknown tokens and
// tokens of deleted users are invalid; expired sessions report
// auth_session_expired.
func (s *Sessions) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	if !strings.HasPrefix(token, sessionTokenPrefix) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid session token", nil)
	}

	session, err := s.repo.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		if isCode(err, types.ErrCodeNotFoundSession) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid session token", nil)
		}
		return nil, err
	}
	if !s.clock.Now().Before(session.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session has expired", nil)
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		if isCode(err, types.ErrCodeNotFoundUser) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid session token", nil)
		}
		return nil, err
	}

	return &types.Actor{
		ID:       user.ID,
		Type:     types.ActorTypeUser,
		TenantID: user.TenantID,
		Role:     user.Role,
	}, nil
}

func isCode(err error, code types.ErrorCode) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
