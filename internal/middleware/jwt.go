// Package middleware provides the gin middleware shared by the API server:
// JWT validation, role gating, request logging, and CORS.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/pkg/response"
)

// JWT returns a middleware that validates the bearer token and sets user
// claims in the gin context under the auth.Context* keys.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextUserRole, claims.Role)
		c.Set(auth.ContextUserEmail, claims.Email)
		c.Next()
	}
}
