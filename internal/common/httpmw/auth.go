package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerToken guards the internal callback surface with a shared token.
// Requests without a matching "Authorization: Bearer <token>" header are
// rejected with 401 before reaching the handler.
func BearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code":  "UNAUTHORIZED",
				"description": "missing bearer token",
			})
			return
		}
		presented := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code":  "UNAUTHORIZED",
				"description": "invalid bearer token",
			})
			return
		}
		c.Next()
	}
}
