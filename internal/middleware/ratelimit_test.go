package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"imagegen-backend/internal/middleware"
)

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	rl := middleware.NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	assert.True(t, rl.Allow("bob"))
	assert.Equal(t, 2, rl.Cleanup())
}

func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := middleware.NewRateLimiter(1, 1)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UsernameKey, c.GetHeader("X-User"))
		c.Next()
	}, rl.Middleware())
	router.GET("/x", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	call := func(user string) int {
		req, _ := http.NewRequest("GET", "/x", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("bob"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := middleware.NewRateLimiter(0, 0)

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/x", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/x", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
