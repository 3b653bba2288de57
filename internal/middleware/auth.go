package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/ledger"
)

const (
	UsernameKey = "username"
	UserKey     = "user"

	msgUnauthorized = "未授权，请先登录"
	msgForbidden    = "需要管理员权限"
)

// UserLookup resolves the account behind a verified token.
type UserLookup interface {
	Get(ctx context.Context, username string) (*ledger.User, error)
}

// IssueToken signs an HS256 token naming username. A ttl <= 0 issues a
// token without expiry.
func IssueToken(secret, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"username": username,
		"sub":      username,
		"iat":      now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware accepts "Bearer <jwt>" signed with JWT_SECRET. The
// username claim (or sub) must name an existing user, who is stored in the
// context under UserKey.
func AuthMiddleware(cfg *config.Config, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		tokenString = strings.TrimSpace(tokenString)
		if !ok || tokenString == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			message := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "token has expired"
			}
			abortUnauthorized(c, message)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abortUnauthorized(c, "invalid token claims")
			return
		}
		username, _ := claims["username"].(string)
		if username == "" {
			username, _ = claims["sub"].(string)
		}
		if username == "" {
			abortUnauthorized(c, "missing username in token")
			return
		}

		user, err := users.Get(c.Request.Context(), username)
		if err != nil {
			if !errors.Is(err, ledger.ErrUserNotFound) {
				zap.L().Error("Failed to load user for token",
					zap.String("username", username),
					zap.Error(err))
			}
			abortUnauthorized(c, "unknown user")
			return
		}

		c.Set(UsernameKey, user.Username)
		c.Set(UserKey, user)
		c.Next()
	}
}

// AdminMiddleware must run after AuthMiddleware.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.IsAdmin(c.GetString(UsernameKey)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": msgForbidden})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) *ledger.User {
	if v, ok := c.Get(UserKey); ok {
		if u, ok := v.(*ledger.User); ok {
			return u
		}
	}
	return nil
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   msgUnauthorized,
		"message": message,
	})
}
