package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CoordinationAuthMiddleware validates the coordination bearer on internal
// cluster endpoints.
func CoordinationAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		if err := ValidateCoordinationSecret(token, secret); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}
