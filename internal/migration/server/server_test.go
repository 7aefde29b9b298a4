package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/metrics"
	"github.com/linkflow-ai/migrator/internal/platform/middleware"
)

type pingAPI struct{}

func (pingAPI) RegisterRoutes(r *mux.Router) {
	handler := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	r.HandleFunc("/ping", handler).Methods(http.MethodGet, http.MethodPost)
}

func testConfig(authEnabled bool) *config.Config {
	cfg := &config.Config{}
	cfg.Service.Name = "migration"
	cfg.HTTP.Port = 0
	cfg.Auth = config.AuthConfig{
		Enabled:    authEnabled,
		JWTSecret:  "test-secret",
		WriteRoles: []string{"admin", "migrator"},
	}
	return cfg
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		UserID: "user-1",
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestNewRequiresAPI(t *testing.T) {
	_, err := New(WithConfig(testConfig(false)))
	assert.Error(t, err)

	_, err = New(WithAPI(pingAPI{}))
	assert.Error(t, err)
}

func TestRoutesAndAuth(t *testing.T) {
	s, err := New(
		WithConfig(testConfig(true)),
		WithAPI(pingAPI{}),
		WithMetrics(metrics.NewMetrics("migrator", nil)),
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"liveness is public", http.MethodGet, "/health/live", "", http.StatusOK},
		{"readiness is public", http.MethodGet, "/health/ready", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"api needs a token", http.MethodGet, "/api/v1/ping", "", http.StatusUnauthorized},
		{"reads need no role", http.MethodGet, "/api/v1/ping", token(t, "viewer"), http.StatusOK},
		{"writes need a role", http.MethodPost, "/api/v1/ping", token(t, "viewer"), http.StatusForbidden},
		{"writer may post", http.MethodPost, "/api/v1/ping", token(t, "migrator"), http.StatusOK},
		{"unknown route", http.MethodGet, "/api/v2/ping", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	s, err := New(WithConfig(testConfig(false)), WithAPI(pingAPI{}))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
