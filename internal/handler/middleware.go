package handler

import (
	"net/http"
	"strconv"
	"time"

	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-Id"
	adminUserKey    = "admin_user"
	adminUserHeader = "X-Admin-User"
)

// RequestIDMiddleware reuses the caller's request id or mints one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = xid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware logs one line per request and records its latency.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Observe(latency.Seconds())

		if query != "" {
			path = path + "?" + query
		}
		log.Info().
			Str("section", "http").
			Str("request_id", c.GetString(requestIDKey)).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("request")
	}
}

// RecoveryMiddleware turns a panic into a 500 envelope.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Str("section", "http").
					Str("request_id", c.GetString(requestIDKey)).
					Interface("panic", err).
					Msg("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "internal error",
				})
			}
		}()
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-Id, X-Admin-User")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AdminMiddleware requires the operator name on every admin route; it is
// recorded as the actor of adjustments, decisions and config versions.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(adminUserHeader)
		if user == "" {
			response.Error(c, response.CodeUnauthorized, adminUserHeader+" header required")
			c.Abort()
			return
		}
		c.Set(adminUserKey, user)
		c.Next()
	}
}

func adminUser(c *gin.Context) string {
	return c.GetString(adminUserKey)
}
