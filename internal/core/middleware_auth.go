package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"stratplan/internal/types"
)

// AuthMiddleware resolves the bearer token into an Actor stored in the
// request context. It guards the /v1 group only; /health and the provider
// webhook are mounted outside it.
//
// Failures answer 401 with a distinct code:
//   - auth_token_missing: no Authorization header or empty Bearer token.
//   - auth_token_invalid: unknown, malformed or orphaned token.
//   - auth_session_expired / auth_token_expired: the session has lapsed.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			s.Logger.ErrorContext(r.Context(), "no authenticator configured; rejecting request")
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication unavailable")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil || actor.TenantID == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		logger := types.LoggerFromContext(ctx, s.Logger).With(
			slog.String("tenant_id", actor.TenantID),
			slog.String("user_id", actor.ID),
		)
		next.ServeHTTP(w, r.WithContext(types.WithLogger(ctx, logger)))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value
// (scheme case-insensitive per RFC 7235), or "".
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired, types.ErrCodeAuthSessionExpired:
			writeAuthError(w, r, appErr.Code, "Session has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	// Store outages surface as 500 so clients retry instead of logging out.
	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	Error(w, r, err)
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireRole rejects actors below role (Owner > Admin > Member) with 403.
// System actors bypass the check.
func RequireRole(role types.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if !ok {
				writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
				return
			}
			if actor.Type != types.ActorTypeSystem && !actor.RoleHasAtLeast(role) {
				Error(w, r, types.NewAppError(types.ErrCodePermissionRole,
					"Insufficient role for this operation", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
