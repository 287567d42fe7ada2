package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/crypto-control-plane/internal/auth"
	"go.uber.org/zap"
)

type stubValidator struct {
	claims *auth.ParsedClaims
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (*auth.ParsedClaims, error) {
	return s.claims, s.err
}

func operatorClaims() *auth.ParsedClaims {
	return &auth.ParsedClaims{
		Subject:   "alice",
		Role:      auth.RoleOperator,
		Requester: "alice@ops",
	}
}

func TestRequireAuth_ValidToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{claims: operatorClaims()}, zap.NewNop())

	var seen *auth.ParsedClaims
	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)
	assert.Equal(t, "alice@ops", GetRequesterFromContext(WithClaims(context.Background(), seen)))
}

func TestRequireAuth_MissingToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{claims: operatorClaims()}, zap.NewNop())

	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_MalformedHeader(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{claims: operatorClaims()}, zap.NewNop())

	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{err: errors.New("bad signature")}, zap.NewNop())

	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer expiredtoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole_Allowed(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())

	handler := m.RequireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req = req.WithContext(WithClaims(req.Context(), operatorClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequireRole_WrongRole(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())

	handler := m.RequireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	claims := operatorClaims()
	claims.Role = auth.RoleReader
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRole_NoClaims(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())

	handler := m.RequireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
