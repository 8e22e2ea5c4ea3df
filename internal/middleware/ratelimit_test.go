package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/wagechannel/channel-server-go/internal/model"
)

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "actor-1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "actor-2", 5)
		}

		allowed, remaining, _ := limiter.Check(ctx, "actor-2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks actors separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "actor-a", 5)
		}

		allowed, _, _ := limiter.Check(ctx, "actor-b", 5)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewRateLimiter()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		limiter.now = func() time.Time { return now }

		limiter.Check(ctx, "actor-c", 1)
		allowed, _, resetAt := limiter.Check(ctx, "actor-c", 1)
		assert.False(t, allowed)
		assert.Equal(t, now.Add(time.Minute).Unix(), resetAt)

		now = now.Add(61 * time.Second)
		allowed, _, _ = limiter.Check(ctx, "actor-c", 1)
		assert.True(t, allowed)
	})
}

func TestRedisRateLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := NewRedisRateLimiter(client)
	ctx := context.Background()

	allowed, remaining, _ := limiter.Check(ctx, "actor-1", 2)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	limiter.Check(ctx, "actor-1", 2)
	allowed, _, _ = limiter.Check(ctx, "actor-1", 2)
	assert.False(t, allowed)
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	actorCtx := func(id string) context.Context {
		return WithActor(context.Background(), model.Actor{ID: id, Role: model.RoleWorker})
	}

	t.Run("allows request without actor", func(t *testing.T) {
		handler := NewRateLimitMiddleware(NewRateLimiter(), 10).Handler(ok)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("sets rate limit headers", func(t *testing.T) {
		handler := NewRateLimitMiddleware(NewRateLimiter(), 100).Handler(ok)

		req := httptest.NewRequest("GET", "/test", nil).WithContext(actorCtx("actor-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 when rate limited", func(t *testing.T) {
		handler := NewRateLimitMiddleware(NewRateLimiter(), 2).Handler(ok)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("GET", "/test", nil).WithContext(actorCtx("actor-2"))
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}

		req := httptest.NewRequest("GET", "/test", nil).WithContext(actorCtx("actor-2"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	})
}
