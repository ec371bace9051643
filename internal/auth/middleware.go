package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
)

type ctxKey string

const claimsKey ctxKey = "admin_claims"

// TokenValidator — контракт проверки токена для middleware.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.AdminClaims, error)
	Enabled() bool
}

// NewMiddleware закрывает группу роутов bearer-токеном.
// Если auth не сконфигурирован, debug-поверхность открыта:
// это осознанный режим локальной разработки.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext достает claims в хэндлерах.
func ClaimsFromContext(ctx context.Context) (*domain.AdminClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.AdminClaims)
	return c, ok
}
