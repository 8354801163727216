package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/commentd/pkg/auth"
	"github.com/entrhq/commentd/pkg/logging"
	"github.com/entrhq/commentd/pkg/types"
)

const (
	// tokenCookie carries the login token for browser clients.
	tokenCookie = "commentd_token"

	ctxUserID   = "userID"
	ctxUsername = "username"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		// Log format: [method] path?query - status (latency)
		if raw != "" {
			path = path + "?" + raw
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			logger.Errorf("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		case path == "/healthz":
			logger.Debugf("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		default:
			logger.Infof("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
		}
	}
}

// requestToken returns the bearer token or, failing that, the login cookie.
func requestToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if cookie, err := c.Cookie(tokenCookie); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

func authenticate(c *gin.Context, tokens *auth.TokenManager) bool {
	token, ok := requestToken(c)
	if !ok {
		return false
	}
	claims, err := tokens.VerifyToken(token)
	if err != nil {
		return false
	}
	c.Set(ctxUserID, claims.UserID)
	c.Set(ctxUsername, claims.Username)
	return true
}

// AuthMiddleware rejects API requests without a valid token
func AuthMiddleware(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{Error: "invalid or missing token"})
			return
		}
		c.Next()
	}
}

// PageAuthMiddleware sends visitors without a valid login to the login page
func PageAuthMiddleware(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) {
			clearTokenCookie(c)
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUser extracts the authenticated user from the Gin context
func GetUser(c *gin.Context) (int64, string, bool) {
	id, ok := c.Get(ctxUserID)
	if !ok {
		return 0, "", false
	}
	name, _ := c.Get(ctxUsername)
	username, _ := name.(string)
	return id.(int64), username, true
}

func setTokenCookie(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(tokenCookie, token, int(ttl/time.Second), "/", "", c.Request.TLS != nil, true)
}

func clearTokenCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(tokenCookie, "", -1, "/", "", c.Request.TLS != nil, true)
}
