// Package adminapi registers the runtime's HTTP admin surface: operator
// login/session management and read-only status/diagnostics endpoints,
// grounded structurally on router.New (vanilla net/http,
// Go 1.22+ method-pattern ServeMux, middleware-wrapped handler chains,
// writeJSON/writeError helpers) but trimmed to the operator-account and
// cycler/stream surface for operator accounts. Parameter read/write and
// subscriptions live in telemetry.Server, not here.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldrt/runtime/auth"
	"github.com/fieldrt/runtime/cycler"
	"github.com/fieldrt/runtime/middleware"
	"github.com/fieldrt/runtime/store"
	"github.com/fieldrt/runtime/stream"
)

const (
	refreshCookie = "refresh_token"
	sessionTTL = 24 * time.Hour
)

// Deps holds the admin API's dependencies.
type Deps struct {
	Store store.Store
	JWTSecret []byte
	Supervisor *cycler.Supervisor
	Stream *stream.Backend // nil when the stream backend is disabled
}

// New builds the admin HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret)
	requireAdmin := middleware.RequireAdmin()

	mux.HandleFunc("POST /api/auth/login", login(d))
	mux.HandleFunc("POST /api/auth/refresh", refreshToken(d))
	mux.Handle("POST /api/auth/logout", requireAuth(http.HandlerFunc(logout(d))))

	mux.Handle("GET /api/me", requireAuth(http.HandlerFunc(getMe(d))))

	mux.Handle("GET /api/users", requireAuth(requireAdmin(http.HandlerFunc(listOperators(d)))))
	mux.Handle("POST /api/users", requireAuth(requireAdmin(http.HandlerFunc(createOperator(d)))))
	mux.Handle("GET /api/users/{id}", requireAuth(requireAdmin(http.HandlerFunc(getOperator(d)))))
	mux.Handle("DELETE /api/users/{id}", requireAuth(requireAdmin(http.HandlerFunc(deleteOperator(d)))))

	mux.Handle("GET /api/status", requireAuth(http.HandlerFunc(getStatus(d))))
	mux.Handle("GET /api/audit", requireAuth(requireAdmin(http.HandlerFunc(getAudit(d)))))

	mux.Handle("GET /api/stream/{topic}/latest", requireAuth(http.HandlerFunc(streamLatest(d))))

	mux.HandleFunc("GET /healthz", health(d))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookie,
		Value: value,
		Path: "/api/auth",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires: time.Now().Add(sessionTTL),
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookie,
		Value: "",
		Path: "/api/auth",
		HttpOnly: true,
		MaxAge: -1,
	})
}

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Username == "" || body.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		op, err := d.Store.GetOperatorByUsername(r.Context(), body.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if op == nil || !auth.CheckPassword(op.PasswordHash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		refreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		sess, err := d.Store.CreateSession(r.Context(), op.ID, refreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		token, err := auth.IssueAccessToken(d.JWTSecret, op.ID, sess.ID, op.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		setRefreshCookie(w, refreshTok)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"operator": op,
		})
	}
}

func refreshToken(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(refreshCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing refresh token")
			return
		}

		sess, err := d.Store.GetSessionByRefreshToken(r.Context(), cookie.Value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if sess == nil || sess.ExpiresAt.Before(time.Now()) {
			writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}

		op, err := d.Store.GetOperator(r.Context(), sess.OperatorID)
		if err != nil || op == nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		_ = d.Store.DeleteSession(r.Context(), sess.ID)

		newRefreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		newSess, err := d.Store.CreateSession(r.Context(), op.ID, newRefreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		token, err := auth.IssueAccessToken(d.JWTSecret, op.ID, newSess.ID, op.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		setRefreshCookie(w, newRefreshTok)
		writeJSON(w, http.StatusOK, map[string]any{"access_token": token})
	}
}

func logout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(refreshCookie); err == nil {
			if sess, err := d.Store.GetSessionByRefreshToken(r.Context(), cookie.Value); err == nil && sess != nil {
				_ = d.Store.DeleteSession(r.Context(), sess.ID)
			}
		}
		clearRefreshCookie(w)
		w.WriteHeader(http.StatusNoContent)
	}
}

func getMe(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := d.Store.GetOperator(r.Context(), middleware.ContextOperatorID(r))
		if err != nil || op == nil {
			writeError(w, http.StatusNotFound, "operator not found")
			return
		}
		writeJSON(w, http.StatusOK, op)
	}
}

func listOperators(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ops, err := d.Store.ListOperators(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, ops)
	}
}

func createOperator(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Username == "" || body.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}
		if body.Role == "" {
			body.Role = "operator"
		}
		if !auth.ValidRole(body.Role) {
			writeError(w, http.StatusBadRequest, "unrecognized role")
			return
		}
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		op, err := d.Store.CreateOperator(r.Context(), body.Username, hash, body.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, op)
	}
}

func getOperator(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		op, err := d.Store.GetOperator(r.Context(), id)
		if err != nil || op == nil {
			writeError(w, http.StatusNotFound, "operator not found")
			return
		}
		writeJSON(w, http.StatusOK, op)
	}
}

func deleteOperator(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if err := d.Store.DeleteOperator(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// getStatus reports every field path exposed by the registered cyclers'
// published databases and, when the stream backend is enabled, its
// ingest/cache/writer-queue stats.
func getStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{}
		if d.Supervisor != nil {
			resp["cycler_fields"] = d.Supervisor.Root().EnumerateFields()
		}
		if d.Stream != nil {
			resp["stream"] = d.Stream.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAudit(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		var operatorID int64
		if v := r.URL.Query().Get("operator_id"); v != "" {
			operatorID, _ = strconv.ParseInt(v, 10, 64)
		}
		entries, err := d.Store.RecentAudit(r.Context(), operatorID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// streamLatest answers the most recent durable-or-cached sample for a
// topic via a "Latest" query. It only addresses
// ScopeGlobal-bound topics; namespace-scoped lookups belong to a richer
// client than this illustrative endpoint.
func streamLatest(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stream == nil {
			writeError(w, http.StatusServiceUnavailable, "stream backend disabled")
			return
		}
		topic := r.PathValue("topic")
		rec, ok, err := d.Stream.Latest(topic)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no samples for topic")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
