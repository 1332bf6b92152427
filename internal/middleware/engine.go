package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
	"github.com/Pratyush2586/release-assessment-portal/pkg/response"
)

// EngineTokenHeader carries the shared secret on engine callbacks.
const EngineTokenHeader = "X-Engine-Token"

// EngineAuth guards the assessment engine callback routes with a shared
// token. Comparison is constant time.
func EngineAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "engine access is not configured"))
			c.Abort()
			return
		}
		provided := c.GetHeader(EngineTokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid engine token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
