package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"wechat-relay/pkg/logger"
)

// Recovery 错误恢复中间件，开发环境在响应中附带堆栈
func Recovery(log logger.Logger, development bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				log.Error(c.Request.Context(), "panic recovered",
					logger.F("panic", fmt.Sprint(err)),
					logger.F("method", c.Request.Method),
					logger.F("path", c.Request.URL.Path),
					logger.F("stack", stack))

				body := gin.H{
					"success": false,
					"error":   "Internal server error",
				}
				if development {
					body["message"] = fmt.Sprint(err)
					body["stack"] = stack
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, body)
			}
		}()

		c.Next()
	}
}
