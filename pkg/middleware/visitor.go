package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"commentkit/pkg/auth"
	tracecontext "commentkit/pkg/context"
)

const (
	// VisitorIDKey gin上下文中的访客标识
	VisitorIDKey = "visitorID"
	// SiteIDKey gin上下文中的站点标识
	SiteIDKey = "siteID"

	// HeaderVisitorID 嵌入脚本传递访客标识的请求头
	HeaderVisitorID = "X-Visitor-ID"
)

// VisitorMiddleware 访客身份解析中间件
// 访客是匿名的，缺少身份不拒绝请求，由写接口自行判断；令牌无效时返回401
type VisitorMiddleware struct {
	logger      kratoslog.Logger
	jwtConfig   *auth.JWTConfig
	allowHeader bool
}

// NewVisitorMiddleware 创建访客身份中间件
func NewVisitorMiddleware(logger kratoslog.Logger, jwtConfig *auth.JWTConfig, allowHeader bool) *VisitorMiddleware {
	return &VisitorMiddleware{
		logger:      logger,
		jwtConfig:   jwtConfig,
		allowHeader: allowHeader,
	}
}

// GinVisitor Gin访客身份中间件
func (vm *VisitorMiddleware) GinVisitor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		visitorID, siteID := "", ""

		// 浏览器的 WebSocket 无法设置请求头，允许通过 query 传递令牌
		token := extractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		if token != "" {
			claims, err := auth.ParseVisitorToken(token, vm.jwtConfig)
			if err != nil {
				vm.logger.Log(kratoslog.LevelWarn, "msg", "Invalid visitor token", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
			visitorID, siteID = claims.VisitorID, claims.SiteID
		} else if vm.allowHeader {
			visitorID = strings.TrimSpace(c.GetHeader(HeaderVisitorID))
		}

		if visitorID != "" {
			c.Set(VisitorIDKey, visitorID)
			ctx := tracecontext.WithVisitorID(c.Request.Context(), visitorID)
			if siteID != "" {
				c.Set(SiteIDKey, siteID)
				ctx = tracecontext.WithSiteID(ctx, siteID)
			}
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()
	}
}

// GetVisitorID 从gin上下文获取访客标识
func GetVisitorID(c *gin.Context) string {
	return c.GetString(VisitorIDKey)
}

// extractTokenFromHeader 从Authorization头中提取token
func extractTokenFromHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	// 支持 "Bearer token" 和直接的 "token" 格式
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return authHeader
}

// shouldSkipAuth 判断是否跳过身份解析
func shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/health",
		"/metrics",
		"/internal", // 运维令牌由 AdminMiddleware 校验
	}

	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}

	return false
}
