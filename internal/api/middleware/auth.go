package middleware

import (
	"net/http"
	"strings"

	"github.com/bhandras/dumiverse/internal/crypto"
	"github.com/bhandras/dumiverse/pkg/types"
	"github.com/gin-gonic/gin"
)

const clientIDKey = "clientID"

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.Response{Msg: "missing authorization header"})
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.Response{Msg: "invalid authorization header format"})
			return
		}

		claims, err := jwtManager.VerifyToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.Response{Msg: "invalid token"})
			return
		}

		c.Set(clientIDKey, claims.Subject)
		c.Next()
	}
}

// GetClientID extracts the authenticated client name from the Gin context
func GetClientID(c *gin.Context) (string, bool) {
	v, exists := c.Get(clientIDKey)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
