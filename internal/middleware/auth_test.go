package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagechannel/channel-server-go/internal/model"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims ActorClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(sub string, role model.Role) ActorClaims {
	return ActorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "auth.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestActorAuth_Authenticate(t *testing.T) {
	auth := NewActorAuth(testSecret, "auth.test")

	t.Run("accepts a valid token", func(t *testing.T) {
		actor, err := auth.Authenticate(signToken(t, testSecret, validClaims("worker-1", model.RoleWorker)))
		require.NoError(t, err)
		assert.Equal(t, model.Actor{ID: "worker-1", Role: model.RoleWorker}, actor)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		_, err := auth.Authenticate(signToken(t, "other", validClaims("worker-1", model.RoleWorker)))
		assert.Error(t, err)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		claims := validClaims("worker-1", model.RoleWorker)
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := auth.Authenticate(signToken(t, testSecret, claims))
		assert.Error(t, err)
	})

	t.Run("rejects a token without expiry", func(t *testing.T) {
		claims := validClaims("worker-1", model.RoleWorker)
		claims.ExpiresAt = nil
		_, err := auth.Authenticate(signToken(t, testSecret, claims))
		assert.Error(t, err)
	})

	t.Run("rejects a wrong issuer", func(t *testing.T) {
		claims := validClaims("worker-1", model.RoleWorker)
		claims.Issuer = "elsewhere"
		_, err := auth.Authenticate(signToken(t, testSecret, claims))
		assert.Error(t, err)
	})

	t.Run("rejects unknown roles and missing subjects", func(t *testing.T) {
		_, err := auth.Authenticate(signToken(t, testSecret, validClaims("worker-1", "admin")))
		assert.Error(t, err)

		_, err = auth.Authenticate(signToken(t, testSecret, validClaims("", model.RoleSponsor)))
		assert.Error(t, err)
	})
}

func TestActorAuth_Handler(t *testing.T) {
	auth := NewActorAuth(testSecret, "")
	var seen model.Actor
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CurrentActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/channels", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/channels", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/channels", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims("sponsor-1", model.RoleSponsor)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sponsor-1", seen.ID)
		assert.Equal(t, model.RoleSponsor, seen.Role)
	})

	t.Run("query token for event streams", func(t *testing.T) {
		token := signToken(t, testSecret, validClaims("worker-1", model.RoleWorker))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/events?token="+token, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "worker-1", seen.ID)
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	handler := NewBodyLimitMiddleware(8).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/channels", nil)
	req.ContentLength = 9
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	handler := NewSecurityHeadersMiddleware(true).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
