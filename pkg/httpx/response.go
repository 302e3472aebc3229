package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// OK 返回200和数据
func OK(c *gin.Context, obj interface{}) {
	c.JSON(http.StatusOK, obj)
}

// Fail 返回错误信息
func Fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message})
}

// Invalid 返回字段级校验错误
func Invalid(c *gin.Context, message string, fields map[string]string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, ErrorBody{Error: message, Fields: fields})
}
