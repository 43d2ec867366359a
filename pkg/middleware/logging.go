package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wechat-relay/pkg/logger"
)

// HeaderRequestID 请求ID头
const HeaderRequestID = "X-Request-ID"

// RequestID 为每个请求分配请求ID并写入上下文
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logging 请求日志，5xx记为error，4xx记为warn
func Logging(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.F("method", c.Request.Method),
			logger.F("path", path),
			logger.F("status", status),
			logger.F("latency", time.Since(start).String()),
			logger.F("client_ip", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, logger.F("errors", errs))
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.Error(ctx, "http request", fields...)
		case status >= 400:
			log.Warn(ctx, "http request", fields...)
		default:
			log.Debug(ctx, "http request", fields...)
		}
	}
}
