package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"iap-bridge/internal/response"

	"github.com/gin-gonic/gin"
)

// APIKeyAuthMiddleware checks the X-API-Key header (or api_key query
// parameter) against apiKey. An empty apiKey disables the check.
func APIKeyAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Set("request_time", time.Now())
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}

		if provided == "" {
			c.JSON(http.StatusUnauthorized, response.Error("Missing api_key"))
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, response.Error("Invalid api_key"))
			c.Abort()
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
