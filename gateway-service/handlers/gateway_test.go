package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

func signToken(t *testing.T, role string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":  "user-42",
		"role": role,
		"jti":  "token-1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// echoBackend records the last request it saw and replies 200.
type echoBackend struct {
	srv      *httptest.Server
	lastPath string
	userID   string
	userRole string
	authz    string
}

func newEchoBackend(t *testing.T) *echoBackend {
	b := &echoBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.lastPath = r.URL.Path
		b.userID = r.Header.Get(HeaderUserID)
		b.userRole = r.Header.Get(HeaderUserRole)
		b.authz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestGateway(t *testing.T, orchestrator, payment *echoBackend) http.Handler {
	t.Helper()

	routes, err := BuildRoutes(
		orchestrator.srv.URL, // auth routes are not exercised against a real backend here
		orchestrator.srv.URL,
		payment.srv.URL,
		payment.srv.URL,
		payment.srv.URL,
	)
	require.NoError(t, err)

	status := NewStatusChecker(map[string]string{
		"orchestrator": orchestrator.srv.URL,
		"payment":      payment.srv.URL,
	}, time.Second)

	gw := NewGateway(routes, status)
	verifier := auth.NewVerifier(testSecret, nil)

	r := chi.NewRouter()
	r.Use(Authenticator(verifier))
	gw.RegisterRoutes(r)
	return r
}

func TestGatewayAuthentication(t *testing.T) {
	orchestrator := newEchoBackend(t)
	payment := newEchoBackend(t)
	router := newTestGateway(t, orchestrator, payment)

	t.Run("missing token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sagas", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token forwarded with identity headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sagas/abc", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "client"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "/sagas/abc", orchestrator.lastPath)
		assert.Equal(t, "user-42", orchestrator.userID)
		assert.Equal(t, "client", orchestrator.userRole)
	})

	t.Run("token never reaches the backend", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sagas", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "client"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, orchestrator.authz)
	})

	t.Run("spoofed identity headers are stripped", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sagas", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "client"))
		req.Header.Set(HeaderUserID, "someone-else")
		req.Header.Set(HeaderUserRole, "admin")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-42", orchestrator.userID)
		assert.Equal(t, "client", orchestrator.userRole)
	})

	t.Run("health is public", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGatewayRoleGating(t *testing.T) {
	orchestrator := newEchoBackend(t)
	payment := newEchoBackend(t)
	router := newTestGateway(t, orchestrator, payment)

	t.Run("client blocked from backend service routes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/payments/p-1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "client"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("manager allowed on backend service routes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/payments/p-1", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "manager"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "/payments/p-1", payment.lastPath)
		assert.Equal(t, "manager", payment.userRole)
	})

	t.Run("client blocked from poison queue", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/poison", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "client"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin allowed on poison queue", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/poison", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "admin"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestIsPublicPath(t *testing.T) {
	assert.True(t, isPublicPath("/health"))
	assert.True(t, isPublicPath("/metrics"))
	assert.True(t, isPublicPath("/status"))
	assert.True(t, isPublicPath("/auth/login"))
	assert.True(t, isPublicPath("/auth/refresh"))
	assert.False(t, isPublicPath("/sagas"))
	assert.False(t, isPublicPath("/authx"))
	assert.False(t, isPublicPath("/healthcheck"))
}
