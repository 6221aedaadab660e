package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bitbucket.org/finfolio/selfassess_backend/utils"
)

// RequestIdMiddleware tags each request with an id that flows into the HMRC
// audit log, so a support investigation can tie a log row back to one request.
func RequestIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestId := c.Request.Header.Get("X-Request-Id")
		if requestId == "" {
			requestId = uuid.NewString()
		}
		ctx := utils.SetRequestIdInContext(c.Request.Context(), requestId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Request-Id", requestId)
		c.Next()
	}
}
