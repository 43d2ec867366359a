package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatusError 携带HTTP状态码的错误
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewError 创建带状态码的错误
func NewError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

// OK 成功响应，extra中的键平铺到顶层
func OK(c *gin.Context, data interface{}, extra ...gin.H) {
	body := gin.H{"success": true}
	if data != nil {
		body["data"] = data
	}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

// Fail 错误响应 {success:false, error}
func Fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}

// FailErr 根据错误类型选择状态码，未知错误统一500
func FailErr(c *gin.Context, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		Fail(c, se.Status, se.Message)
		return
	}
	_ = c.Error(err)
	Fail(c, http.StatusInternalServerError, "Internal server error")
}
