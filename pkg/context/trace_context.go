package context

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// 上下文键类型
type contextKey string

const (
	// 业务相关的上下文键
	TraceIDKey   contextKey = "trace_id"
	VisitorIDKey contextKey = "visitor_id"
	SiteIDKey    contextKey = "site_id"
	BlogIDKey    contextKey = "blog_id"
	RequestIDKey contextKey = "request_id"

	// 服务相关的上下文键
	ServiceNameKey contextKey = "service_name"
	ClientIPKey    contextKey = "client_ip"
	UserAgentKey   contextKey = "user_agent"
)

// TraceContext 业务追踪上下文
type TraceContext struct {
	TraceID   string
	VisitorID string
	SiteID    string
	BlogID    int64
	RequestID string
}

// WithTraceID 在context中设置TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID 从context中获取TraceID
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	// 优先从OpenTelemetry span中获取
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithVisitorID 在context中设置访客标识
func WithVisitorID(ctx context.Context, visitorID string) context.Context {
	if visitorID == "" {
		return ctx
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("visitor.id", visitorID))
	}
	return context.WithValue(ctx, VisitorIDKey, visitorID)
}

// GetVisitorID 从context中获取访客标识
func GetVisitorID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if visitorID, ok := ctx.Value(VisitorIDKey).(string); ok {
		return visitorID
	}
	return ""
}

// WithSiteID 在context中设置站点标识
func WithSiteID(ctx context.Context, siteID string) context.Context {
	if siteID == "" {
		return ctx
	}
	return context.WithValue(ctx, SiteIDKey, siteID)
}

// GetSiteID 从context中获取站点标识
func GetSiteID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if siteID, ok := ctx.Value(SiteIDKey).(string); ok {
		return siteID
	}
	return ""
}

// WithBlogID 在context中设置博客ID
func WithBlogID(ctx context.Context, blogID int64) context.Context {
	if blogID <= 0 {
		return ctx
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.Int64("blog.id", blogID))
	}
	return context.WithValue(ctx, BlogIDKey, blogID)
}

// GetBlogID 从context中获取博客ID
func GetBlogID(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if blogID, ok := ctx.Value(BlogIDKey).(int64); ok {
		return blogID
	}
	return 0
}

// WithRequestID 在context中设置RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("request.id", requestID))
	}
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID 从context中获取RequestID
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithServiceName 在context中设置服务名
func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

// GetServiceName 从context中获取服务名
func GetServiceName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

// WithClientInfo 在context中设置客户端信息
func WithClientInfo(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ClientIPKey, clientIP)
	ctx = context.WithValue(ctx, UserAgentKey, userAgent)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("client.ip", clientIP),
			attribute.String("client.user_agent", userAgent),
		)
	}
	return ctx
}

// GetClientIP 从context中获取客户端IP
func GetClientIP(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if clientIP, ok := ctx.Value(ClientIPKey).(string); ok {
		return clientIP
	}
	return ""
}

// Detach 返回一个不随请求取消的context，保留追踪信息
// 对账等后台任务使用，请求结束后仍需继续执行
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// GenerateTraceID 生成TraceID
func GenerateTraceID() string {
	return uuid.New().String()
}

// GenerateRequestID 生成RequestID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ExtractTraceContext 从context中提取业务追踪信息
func ExtractTraceContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		VisitorID: GetVisitorID(ctx),
		SiteID:    GetSiteID(ctx),
		BlogID:    GetBlogID(ctx),
		RequestID: GetRequestID(ctx),
	}
}
