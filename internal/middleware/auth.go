package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/adoptapet/adoptapet-backend/internal/services"
	apperrors "github.com/adoptapet/adoptapet-backend/pkg/errors"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "userID"

// BearerToken returns the token from "Authorization: Bearer <token>", falling
// back to the token query parameter that browser WebSocket clients use.
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WithUserID stores the authenticated user on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user set by RequireAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// RequireAuth rejects requests without a valid bearer token with 401. An
// authenticator outage is a 503 so clients do not drop their session.
func RequireAuth(auth services.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, apperrors.Unauthorized("missing session token", nil))
				return
			}

			userID, err := auth.Authenticate(r.Context(), token)
			switch {
			case err == nil:
				noteUserID(r.Context(), userID)
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
			case errors.Is(err, services.ErrInvalidCredential):
				writeError(w, apperrors.Unauthorized("invalid session token", err))
			default:
				logger.Error().Err(err).Str("path", r.URL.Path).Msg("authenticator unavailable")
				writeError(w, apperrors.New(apperrors.CodeInternal, "authentication unavailable", http.StatusServiceUnavailable, err))
			}
		})
	}
}

func writeError(w http.ResponseWriter, e *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"code":    e.Code,
		"message": e.Message,
	})
}
