package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing-must-be-long-enough"

func setupRouter(t *testing.T) (*gin.Engine, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{JWTSecret: testSecret, AdminUsers: []string{"root"}}

	users := ledger.New(store.NewMemoryStore(), lock.NewLocalLocker())
	for _, name := range []string{"alice", "root"} {
		_, err := users.Create(context.Background(), name, 3)
		require.NoError(t, err)
	}

	router := gin.New()
	api := router.Group("/api", middleware.AuthMiddleware(cfg, users))
	api.GET("/me", func(c *gin.Context) {
		u := middleware.CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"username": c.GetString(middleware.UsernameKey), "credits": u.Credits})
	})
	api.GET("/admin", middleware.AdminMiddleware(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router, cfg
}

func do(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	router, _ := setupRouter(t)
	w := do(router, "/api/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "未授权")
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	router, _ := setupRouter(t)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/api/me", "invalid-token").Code)

	forged, err := middleware.IssueToken("another-secret", "alice", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/api/me", forged).Code)
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	router, _ := setupRouter(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(-time.Minute).Unix(),
	})
	tokenString, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	w := do(router, "/api/me", tokenString)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token has expired")
}

func TestAuthMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	router, _ := setupRouter(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"username": "alice"})
	tokenString, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/api/me", tokenString).Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	router, _ := setupRouter(t)
	token, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	w := do(router, "/api/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"username":"alice","credits":3}`, w.Body.String())
}

func TestAuthMiddleware_SubFallback(t *testing.T) {
	router, _ := setupRouter(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"})
	tokenString, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(router, "/api/me", tokenString).Code)
}

func TestAuthMiddleware_UnknownUser(t *testing.T) {
	router, _ := setupRouter(t)
	token, err := middleware.IssueToken(testSecret, "ghost", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(router, "/api/me", token).Code)
}

func TestAdminMiddleware(t *testing.T) {
	router, _ := setupRouter(t)

	alice, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(router, "/api/admin", alice).Code)

	root, err := middleware.IssueToken(testSecret, "root", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(router, "/api/admin", root).Code)
}
