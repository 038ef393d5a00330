package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/benvon/picklepal/internal/database"
	logpkg "github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/benvon/picklepal/internal/request"
	"github.com/benvon/picklepal/internal/services/oidc"
	"go.uber.org/zap"
)

// Authenticator verifies a bearer token
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.JWTClaims, error)
}

var _ Authenticator = (*oidc.Provider)(nil)

// UserFromContext extracts the user from the request context
func UserFromContext(r *http.Request) *models.User {
	return request.UserFromContext(r)
}

// Auth validates the bearer token and attaches the matching user, creating it on first sight
func Auth(authenticator Authenticator, users database.UserRepositoryInterface, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logpkg.Component(logger, "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				RespondError(w, http.StatusUnauthorized, "Unauthorized", "Missing Authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				RespondError(w, http.StatusUnauthorized, "Unauthorized", "Invalid Authorization header format")
				return
			}

			ctx := r.Context()
			claims, err := authenticator.Authenticate(ctx, strings.TrimSpace(token))
			if errors.Is(err, oidc.ErrNotConfigured) {
				logger.Error("identity_provider_unavailable", zap.String("error", logpkg.SanitizeError(err)))
				RespondError(w, http.StatusInternalServerError, "Internal Server Error", "Authentication is unavailable")
				return
			}
			if err != nil {
				logger.Info("token_verification_failed", zap.String("error", logpkg.SanitizeError(err)))
				RespondError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}

			user, err := users.Upsert(ctx, claims)
			if err != nil {
				logger.Error("user_upsert_failed",
					zap.String("provider_id", logpkg.SanitizeUserID(claims.Sub)),
					zap.String("error", logpkg.SanitizeError(err)),
				)
				RespondError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to resolve user")
				return
			}

			next.ServeHTTP(w, r.WithContext(request.WithUser(ctx, user)))
		})
	}
}
