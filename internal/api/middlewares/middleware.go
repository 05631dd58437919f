package middlewares

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimitMiddleware allows at most perSecond requests per second per client.
func RateLimitMiddleware(perSecond float64) gin.HandlerFunc {
	lmt := tollbooth.NewLimiter(perSecond, nil)
	lmt.SetMessage("Rate limit exceeded")

	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpErr != nil {
			c.AbortWithStatusJSON(httpErr.StatusCode, gin.H{"error": httpErr.Message})
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request once it has been served.
func RequestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			log.Errorw("Request failed", fields...)
			return
		}
		log.Debugw("Request served", fields...)
	}
}
