package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Identity headers injected for backend services. The gateway is the only
// component allowed to set them; client-supplied values are stripped.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

type claimsKey struct{}

// ClaimsFromContext returns the verified claims the auth middleware stored.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// publicPaths are reachable without a token. Auth endpoints must stay open
// so clients can obtain tokens in the first place.
var publicPaths = []string{
	"/health",
	"/metrics",
	"/status",
	"/auth/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// Authenticator verifies the bearer token on every non-public request and
// stores the claims in the request context.
func Authenticator(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Never trust identity headers from outside.
			r.Header.Del(HeaderUserID)
			r.Header.Del(HeaderUserRole)

			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.L().Debug("token rejected",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				writeError(w, http.StatusUnauthorized, authErrorMessage(err))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "token revoked"
	default:
		return "invalid token"
	}
}
