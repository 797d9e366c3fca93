package api

import (
	"net/http"
	"sync"
	"time"

	"example.com/backstage/services/endpoint/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	log := logger.WithField("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		log.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
		}).Info("HTTP Request")
	}
}

// ErrorHandler renders errors attached with c.Error. Coded errors carry
// their code; the status set by the handler is kept when it is an error
// status.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		status := c.Writer.Status()
		if status < http.StatusBadRequest {
			status = http.StatusBadRequest
		}

		err := c.Errors.Last()
		if businessErr, ok := err.Err.(core.BusinessError); ok {
			c.JSON(status, gin.H{
				"error": businessErr.Message,
				"code":  businessErr.Code,
			})
			return
		}

		c.JSON(status, gin.H{"error": err.Error()})
	}
}

// RateLimiter caps requests per client IP per minute.
func RateLimiter(requestsPerMinute int) gin.HandlerFunc {
	var mu sync.Mutex
	clients := make(map[string]*rateLimitClient)

	return func(c *gin.Context) {
		now := time.Now()

		mu.Lock()
		client, ok := clients[c.ClientIP()]
		if !ok || now.Sub(client.lastReset) > time.Minute {
			client = &rateLimitClient{lastReset: now}
			clients[c.ClientIP()] = client
		}
		client.requests++
		exceeded := client.requests > requestsPerMinute
		retryAfter := 60 - int(now.Sub(client.lastReset).Seconds())
		mu.Unlock()

		if exceeded {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"component": "api",
					"error":     err,
					"path":      c.Request.URL.Path,
					"method":    c.Request.Method,
				}).Error("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
