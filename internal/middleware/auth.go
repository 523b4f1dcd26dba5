package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"uchat-directory/internal/auth"
)

const (
	userIDContextKey = "userID"
	tokenCookieName  = "token"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// tokenFromRequest prefers the Authorization header and falls back to the
// login cookie set by the password endpoint.
func tokenFromRequest(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	if cookie, err := c.Cookie(tokenCookieName); err == nil {
		return cookie
	}
	return ""
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid authentication token", "logout": true})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "session expired", "logout": true})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}
