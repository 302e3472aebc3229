package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"commentkit/pkg/auth"
)

// AdminSubjectKey gin上下文中的运维身份
const AdminSubjectKey = "adminSubject"

// AdminMiddleware 内部接口认证中间件
type AdminMiddleware struct {
	logger    kratoslog.Logger
	jwtConfig *auth.JWTConfig
}

// NewAdminMiddleware 创建内部接口认证中间件，密钥为空时拒绝所有请求
func NewAdminMiddleware(logger kratoslog.Logger, jwtConfig *auth.JWTConfig) *AdminMiddleware {
	return &AdminMiddleware{
		logger:    logger,
		jwtConfig: jwtConfig,
	}
}

// GinAdmin Gin运维令牌校验
func (am *AdminMiddleware) GinAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Missing admin token", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization token"})
			return
		}

		claims, err := auth.ParseAdminToken(token, am.jwtConfig)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid admin token", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(AdminSubjectKey, claims.Subject)
		am.logger.Log(kratoslog.LevelInfo, "msg", "Admin request", "subject", claims.Subject, "path", c.Request.URL.Path)
		c.Next()
	}
}
