// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token and adds the caller to the request context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware rejects requests without a valid token. A deactivated
// agent gets 403; every other failure is 401.
func HTTPAuthMiddleware(authn *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				logger.Warn("auth failure", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
				switch {
				case errors.Is(err, ErrDeactivatedAgent):
					writeAuthError(w, http.StatusForbidden, "agent is deactivated")
				case errors.Is(err, ErrMissingCredentials):
					writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				case errors.Is(err, ErrExpiredToken):
					writeAuthError(w, http.StatusUnauthorized, "token expired")
				default:
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthHTTPMiddleware injects the anonymous service caller when
// authentication is disabled.
func NoAuthHTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous)))
		})
	}
}

// RequireServiceHTTP allows only service callers. Must be used after an
// authentication middleware.
func RequireServiceHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			writeAuthError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if !authCtx.IsService() {
			writeAuthError(w, http.StatusForbidden, "service token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
