package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/authproxy/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		assert.NotEmpty(t, GetRequestID(c))
		assert.Equal(t, GetRequestID(c), observability.RequestIDFromContext(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})

	t.Run("client supplied", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "client-id-1")
		router.ServeHTTP(w, req)

		assert.Equal(t, "client-id-1", w.Header().Get(RequestIDHeader))
	})
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(Recovery(observability.NopLogger()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, w.Body.String())
}

func TestLoggingSkipPaths(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(LoggingWithConfig(LoggingConfig{SkipPaths: []string{"/healthz"}}))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             2,
	})

	assert.True(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-a"))
	assert.False(t, rl.Allow("client-a"))

	// Independent bucket per key.
	assert.True(t, rl.Allow("client-b"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		KeyFunc:           func(c *gin.Context) string { return "fixed" },
	})

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimiterCleanupIdle(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{IdleTimeout: time.Nanosecond})
	rl.Allow("client-a")

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, rl.CleanupIdle())
	assert.Equal(t, 0, rl.CleanupIdle())
}
