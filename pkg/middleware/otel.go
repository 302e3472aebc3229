package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tracecontext "commentkit/pkg/context"
	"commentkit/pkg/logger"
)

const (
	// RequestIDKey gin上下文中的请求ID
	RequestIDKey = "requestID"
	// HeaderRequestID 请求ID请求头
	HeaderRequestID = "X-Request-ID"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
	logger      logger.Logger
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string, logger logger.Logger) *OTelMiddleware {
	return &OTelMiddleware{
		serviceName: serviceName,
		logger:      logger,
	}
}

// GinMiddleware 返回Gin的OpenTelemetry中间件
func (m *OTelMiddleware) GinMiddleware() gin.HandlerFunc {
	// 使用官方的otelgin中间件作为基础
	baseMiddleware := otelgin.Middleware(m.serviceName)

	return func(c *gin.Context) {
		// otelgin 内部调用 c.Next()，业务信息需要在其之前写入
		ctx := m.enhanceContext(c.Request.Context(), c)
		c.Request = c.Request.WithContext(ctx)

		baseMiddleware(c)
	}
}

// RequestID 为每个请求分配请求ID并回写响应头
func (m *OTelMiddleware) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		ctx := tracecontext.WithRequestID(c.Request.Context(), requestID)
		requestID = tracecontext.GetRequestID(ctx)

		c.Set(RequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// enhanceContext 增强context，添加业务追踪信息
func (m *OTelMiddleware) enhanceContext(ctx context.Context, c *gin.Context) context.Context {
	if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
		ctx = tracecontext.WithTraceID(ctx, traceID)
	}

	ctx = tracecontext.WithServiceName(ctx, m.serviceName)
	ctx = tracecontext.WithClientInfo(ctx, c.ClientIP(), c.GetHeader("User-Agent"))

	return ctx
}

// SpanAttributes 在span上补充访客信息，需在访客中间件之后注册
func (m *OTelMiddleware) SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("http.route", c.FullPath()))
			if visitorID := tracecontext.GetVisitorID(ctx); visitorID != "" {
				span.SetAttributes(attribute.String("visitor.id", visitorID))
			}
		}
		c.Next()
	}
}
