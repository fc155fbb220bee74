// Package middleware provides HTTP middleware for JWT auth and role
// enforcement on the runtime's admin HTTP surface (operator accounts).
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/fieldrt/runtime/auth"
	"github.com/google/uuid"
)

type contextKey int

const (
	ctxOperatorID contextKey = iota
	ctxRole
	ctxSessionID
)

// RequireAuth validates the Bearer JWT and injects operatorID + role into
// context. Returns 401 on missing/invalid token.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			claims, err := auth.ParseAccessToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			operatorID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token subject")
				return
			}
			ctx := context.WithValue(r.Context(), ctxOperatorID, operatorID)
			ctx = context.WithValue(ctx, ctxRole, claims.Role)
			ctx = context.WithValue(ctx, ctxSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns 403 if the request context role is not "admin".
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ContextRole(r) != "admin" {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextOperatorID extracts the operator ID injected by RequireAuth.
func ContextOperatorID(r *http.Request) int64 {
	v, _ := r.Context().Value(ctxOperatorID).(int64)
	return v
}

// ContextRole extracts the role injected by RequireAuth.
func ContextRole(r *http.Request) string {
	v, _ := r.Context().Value(ctxRole).(string)
	return v
}

// ContextSessionID extracts the session UUID injected by RequireAuth.
func ContextSessionID(r *http.Request) uuid.UUID {
	v, _ := r.Context().Value(ctxSessionID).(uuid.UUID)
	return v
}

// AuthenticateToken is the non-HTTP entry point used by telemetry.Server's
// WebSocket upgrade: Connect takes the token from the "token" query
// parameter or the Authorization header and validates it here, before
// upgrading, instead of being wrapped in RequireAuth.
func AuthenticateToken(secret []byte, raw string) (operatorID int64, role string, sessionID uuid.UUID, err error) {
	claims, err := auth.ParseAccessToken(secret, raw)
	if err != nil {
		return 0, "", uuid.UUID{}, err
	}
	operatorID, err = strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, "", uuid.UUID{}, err
	}
	return operatorID, claims.Role, claims.SessionID, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
