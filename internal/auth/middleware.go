package auth

import (
	"log/slog"
	"net/http"

	"github.com/rpattn/recordimport/internal/httpx"
)

// Middleware authenticates every request and rejects callers without full
// data scope before they reach the import handlers.
func Middleware(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authn.Authenticate(r)
			if err != nil {
				httpx.WriteDomainError(w, r, logger, err)
				return
			}
			ctx := ContextWithIdentity(r.Context(), identity)
			if _, err := RequireImportAccess(ctx); err != nil {
				httpx.WriteDomainError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
