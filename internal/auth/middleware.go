package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const authenticatedContextKey = "auth_operator"

// Middleware validates the bearer token before the handler runs.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.ValidateToken(s.extractToken(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(authenticatedContextKey, true)
		c.Next()
	}
}

// Authenticated reports whether the middleware accepted the request.
func Authenticated(c *gin.Context) bool {
	return c.GetBool(authenticatedContextKey)
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
