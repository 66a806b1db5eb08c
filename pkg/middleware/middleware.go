// Package middleware carries the gin chain every gateway router mounts:
// request IDs, structured request logs, panic recovery, and CORS.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/ctxkeys"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
)

// SetupCommonMiddleware mounts the chain in dependency order: the request ID
// must exist before the access logger reads it.
func SetupCommonMiddleware(r *gin.Engine, logger logging.Logger, allowedOrigin string) {
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))
	r.Use(CORSMiddleware(allowedOrigin))
}

// RequestIDMiddleware tags the request with an ID, honoring one supplied by
// the caller, and echoes it in the response header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(string(ctxkeys.KeyRequestID), requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggingMiddleware writes one structured access line per request after it
// completes, carrying whatever identity fields upstream middleware stashed.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(logging.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"org_id":     c.GetString(string(ctxkeys.KeyOrgID)),
			"user_id":    c.GetString(string(ctxkeys.KeyUserID)),
			"request_id": c.GetString(string(ctxkeys.KeyRequestID)),
		}).Info("HTTP request")
	}
}

// RecoveryMiddleware converts handler panics into logged 500s so one bad
// request cannot take the process down.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logging.Fields{
					"error":     err,
					"client_ip": c.ClientIP(),
					"method":    c.Request.Method,
					"path":      c.Request.URL.Path,
				}).Error("Request handler panic")

				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// CORSMiddleware answers preflights and stamps the allow headers. An empty
// allowedOrigin falls back to "*".
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// GetRequestID reads the ID stashed by RequestIDMiddleware, or "" when the
// middleware is not mounted.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(string(ctxkeys.KeyRequestID)); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// GetContextLogger returns an entry pre-tagged with the request's identity
// fields so handler logs correlate with the access line.
func GetContextLogger(c *gin.Context, logger logging.Logger) *logrus.Entry {
	return logger.WithFields(logging.Fields{
		"request_id": GetRequestID(c),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"client_ip":  c.ClientIP(),
		"org_id":     c.GetString(string(ctxkeys.KeyOrgID)),
		"user_id":    c.GetString(string(ctxkeys.KeyUserID)),
	})
}
