package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wechat-relay/pkg/logger"
)

// spanQueryAttrs 需要记录到span上的查询参数
// 微信推送带openid，任务接口带userId
var spanQueryAttrs = map[string]string{
	"openid": "wechat.openid",
	"userId": "relay.user_id",
}

// Tracing 追踪中间件组，需放在RequestID之后；/health和/metrics不采样
func Tracing(serviceName string) []gin.HandlerFunc {
	skip := otelgin.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health" && r.URL.Path != "/metrics"
	})
	return []gin.HandlerFunc{otelgin.Middleware(serviceName, skip), annotateSpan()}
}

// annotateSpan 在otelgin创建的span上补充请求ID、客户端地址和业务标识
func annotateSpan() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			attrs := []attribute.KeyValue{attribute.String("http.client_ip", c.ClientIP())}
			if id := logger.RequestIDFrom(c.Request.Context()); id != "" {
				attrs = append(attrs, attribute.String("request.id", id))
			}
			for param, key := range spanQueryAttrs {
				if v := c.Query(param); v != "" {
					attrs = append(attrs, attribute.String(key, v))
				}
			}
			span.SetAttributes(attrs...)
		}
		c.Next()
	}
}
