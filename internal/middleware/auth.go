// Package middleware carries gin middleware shared across route groups.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Bearer enforces a static bearer token on the group it is mounted on. An
// empty token disables authentication for local development.
func Bearer(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "Unauthorized", "message": "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}
