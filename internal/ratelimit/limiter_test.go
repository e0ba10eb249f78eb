package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := New(1, 2)
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	require.True(t, l.Allow("b"))
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(0, 0)
	require.Equal(t, 20, l.burst)
	for i := 0; i < 20; i++ {
		require.True(t, l.Allow("k"))
	}
	require.False(t, l.Allow("k"))
}

func TestLimiter_DropsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 1)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("old"))
	now = now.Add(11 * time.Minute)
	require.True(t, l.Allow("new"))
	require.Equal(t, 1, l.size())

	require.True(t, l.Allow("old"))
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(New(1, 1), func(c echo.Context) error {
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "RATE_LIMITED"})
	}))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, do("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	require.Equal(t, http.StatusOK, do("10.0.0.2"))
}
