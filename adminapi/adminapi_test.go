package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldrt/runtime/auth"
	"github.com/fieldrt/runtime/store"
)

// memStore is an in-memory store.Store, sufficient to exercise the
// admin HTTP handlers without a real database.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	operators map[int64]*store.Operator
	sessions  map[string]*store.OperatorSession
}

func newMemStore() *memStore {
	return &memStore{operators: map[int64]*store.Operator{}, sessions: map[string]*store.OperatorSession{}}
}

func (m *memStore) CreateOperator(ctx context.Context, username, passwordHash, role string) (*store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	op := &store.Operator{ID: m.nextID, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: time.Now()}
	m.operators[op.ID] = op
	return op, nil
}

func (m *memStore) GetOperator(ctx context.Context, id int64) (*store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operators[id], nil
}

func (m *memStore) GetOperatorByUsername(ctx context.Context, username string) (*store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.operators {
		if op.Username == username {
			return op, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListOperators(ctx context.Context) ([]*store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		out = append(out, op)
	}
	return out, nil
}

func (m *memStore) UpdateOperator(ctx context.Context, id int64, fields store.OperatorUpdate) (*store.Operator, error) {
	return nil, nil
}

func (m *memStore) DeleteOperator(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.operators, id)
	return nil
}

func (m *memStore) CreateSession(ctx context.Context, operatorID int64, refreshToken string, expiresAt time.Time) (*store.OperatorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &store.OperatorSession{ID: uuid.New(), OperatorID: operatorID, RefreshToken: refreshToken, ExpiresAt: expiresAt}
	m.sessions[refreshToken] = sess
	return sess, nil
}

func (m *memStore) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*store.OperatorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[refreshToken], nil
}

func (m *memStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, sess := range m.sessions {
		if sess.ID == id {
			delete(m.sessions, tok)
		}
	}
	return nil
}

func (m *memStore) DeleteExpiredSessions(ctx context.Context) error { return nil }

func (m *memStore) RecordAudit(ctx context.Context, operatorID int64, action store.AuditAction, path, detail string) error {
	return nil
}

func (m *memStore) RecentAudit(ctx context.Context, operatorID int64, limit int) ([]store.AuditEntry, error) {
	return nil, nil
}

func (m *memStore) GetConfig(ctx context.Context) (map[string]any, error) { return nil, nil }
func (m *memStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }
func (m *memStore) Close() error                                            { return nil }

func TestLoginThenGetMeRoundTrip(t *testing.T) {
	st := newMemStore()
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	_, err = st.CreateOperator(context.Background(), "admin", hash, "admin")
	require.NoError(t, err)

	h := New(Deps{Store: st, JWTSecret: []byte("test-secret")})

	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"admin","password":"hunter2"}`))
	loginRec := httptest.NewRecorder()
	h.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))
	require.NotEmpty(t, loginResp.AccessToken)

	meReq := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	meRec := httptest.NewRecorder()
	h.ServeHTTP(meRec, meReq)
	require.Equal(t, http.StatusOK, meRec.Code)

	var op store.Operator
	require.NoError(t, json.Unmarshal(meRec.Body.Bytes(), &op))
	require.Equal(t, "admin", op.Username)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	st := newMemStore()
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	_, err = st.CreateOperator(context.Background(), "admin", hash, "admin")
	require.NoError(t, err)

	h := New(Deps{Store: st, JWTSecret: []byte("test-secret")})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUsersEndpointRequiresAdminRole(t *testing.T) {
	st := newMemStore()
	secret := []byte("test-secret")
	opHash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	op, err := st.CreateOperator(context.Background(), "viewer", opHash, "operator")
	require.NoError(t, err)
	sess, err := st.CreateSession(context.Background(), op.ID, "tok", time.Now().Add(time.Hour))
	require.NoError(t, err)
	token, err := auth.IssueAccessToken(secret, op.ID, sess.ID, op.Role)
	require.NoError(t, err)

	h := New(Deps{Store: st, JWTSecret: secret})
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	h := New(Deps{Store: newMemStore(), JWTSecret: []byte("test-secret")})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
