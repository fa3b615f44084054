// Package middleware provides the HTTP-layer cross-cutting concerns the
// core's HTTP surface needs: auth, tenant scoping, CORS.
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fluxbroker/taskbroker/auth"
)

// ContextKey is a strict type for context keys to prevent collisions across packages.
type ContextKey string

const (
	TenantKey ContextKey = "tenant_id"
	RoleKey   ContextKey = "role"
)

// AuthMiddleware validates the bearer token and injects tenant/role into the
// request context. Every route except /healthz and /metrics sits behind it.
func AuthMiddleware(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := issuer.Validate(header[len(prefix):])
			if err != nil {
				http.Error(w, fmt.Sprintf("unauthorized: %v", err), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), TenantKey, claims.TenantID)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext retrieves the authenticated tenant id.
func TenantFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(TenantKey).(string)
	return v, ok
}

// CORS allows the operator UI (served from a different origin in dev) to
// call the broker's API.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
