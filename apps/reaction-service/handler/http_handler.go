package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"commentkit/apps/reaction-service/model"
	"commentkit/apps/reaction-service/service"
	"commentkit/pkg/httpx"
	"commentkit/pkg/logger"
	"commentkit/pkg/middleware"
)

// HTTPHandler HTTP处理器
type HTTPHandler struct {
	svc    *service.Service
	logger logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:    svc,
		logger: log,
	}
}

// RegisterRoutes 注册HTTP路由，内部接口挂在 adminAuth 之后
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, adminAuth gin.HandlerFunc) {
	api := r.Group("/api/v1/blogs/:blog")
	{
		api.POST("/reactions", h.React)                                    // 提交反应
		api.GET("/reactions/counts", h.GetBlogCounts)                      // 博客计数
		api.GET("/comments/:comment/reactions/counts", h.GetCommentCounts) // 评论计数
		api.GET("/reactions/live", h.GetLiveCounts)                        // 含未对账变更的实时计数
	}

	internal := r.Group("/internal/reactions", adminAuth)
	{
		internal.POST("/reconcile/:blog", h.Reconcile) // 手动触发对账
		internal.POST("/cleanup", h.Cleanup)           // 立即清理过期队列
		internal.DELETE("/cache/:blog", h.ClearCache)  // 清除博客计数缓存
	}
}

// ReactRequest 提交反应请求体
type ReactRequest struct {
	CommentID *int64 `json:"comment_id"`
	Type      string `json:"type"`
}

// React 提交、切换或移除反应
func (h *HTTPHandler) React(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}

	var body ReactRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.Invalid(c, "Invalid request body", map[string]string{"body": "must be a JSON object"})
		return
	}

	req := &model.ReactRequest{
		BlogID:    blogID,
		VisitorID: middleware.GetVisitorID(c),
		Type:      model.ReactionType(body.Type),
	}
	if body.CommentID != nil {
		if *body.CommentID <= 0 {
			httpx.Invalid(c, "Validation failed", map[string]string{"comment_id": "must be a positive integer"})
			return
		}
		req.CommentID = *body.CommentID
	}

	result, err := h.svc.React(c.Request.Context(), req)
	if err != nil {
		if ve, ok := model.IsValidationError(err); ok {
			httpx.Invalid(c, "Validation failed", ve.Fields)
			return
		}
		h.logger.Error(c.Request.Context(), "Failed to process reaction",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
		if errors.Is(err, model.ErrReactionConflict) {
			httpx.Fail(c, http.StatusConflict, "Reaction conflict, please retry")
			return
		}
		httpx.Fail(c, http.StatusInternalServerError, "Failed to process reaction")
		return
	}

	httpx.OK(c, gin.H{
		"message":  result.Message,
		"reaction": result.Reaction,
		"counts":   result.Counts,
	})
}

// GetBlogCounts 获取博客计数
func (h *HTTPHandler) GetBlogCounts(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}
	h.writeCounts(c, model.BlogTarget(blogID))
}

// GetCommentCounts 获取评论计数
func (h *HTTPHandler) GetCommentCounts(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}
	commentID, ok := parseID(c, "comment", "comment_id")
	if !ok {
		return
	}
	h.writeCounts(c, model.CommentTarget(blogID, commentID))
}

func (h *HTTPHandler) writeCounts(c *gin.Context, target model.Target) {
	counts, err := h.svc.GetReactionCounts(c.Request.Context(), target)
	if err != nil {
		h.logger.Error(c.Request.Context(), "Failed to get reaction counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
		httpx.Fail(c, http.StatusInternalServerError, "Failed to load reaction counts")
		return
	}
	httpx.OK(c, gin.H{"reaction_counts": counts})
}

// GetLiveCounts 获取实时计数，comment_id 为空时是博客本身
func (h *HTTPHandler) GetLiveCounts(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}

	target := model.BlogTarget(blogID)
	if raw := c.Query("comment_id"); raw != "" {
		commentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || commentID <= 0 {
			httpx.Invalid(c, "Validation failed", map[string]string{"comment_id": "must be a positive integer"})
			return
		}
		target = model.CommentTarget(blogID, commentID)
	}

	counts, err := h.svc.GetLiveReactionCounts(c.Request.Context(), target)
	if err != nil {
		h.logger.Error(c.Request.Context(), "Failed to get live reaction counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
		httpx.Fail(c, http.StatusInternalServerError, "Failed to load reaction counts")
		return
	}
	httpx.OK(c, gin.H{"reaction_counts": counts})
}

// Reconcile 立即对账指定博客
func (h *HTTPHandler) Reconcile(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}

	result, err := h.svc.ProcessBulkReactionUpdates(c.Request.Context(), blogID)
	if err != nil {
		h.logger.Error(c.Request.Context(), "Manual reconciliation failed",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":  "Reconciliation failed",
			"result": result,
		})
		return
	}
	httpx.OK(c, result)
}

// Cleanup 清理过期的待处理操作
func (h *HTTPHandler) Cleanup(c *gin.Context) {
	removed, err := h.svc.CleanupOldQueues(c.Request.Context())
	if err != nil {
		httpx.Fail(c, http.StatusInternalServerError, "Cleanup failed")
		return
	}
	httpx.OK(c, gin.H{"removed": removed})
}

// ClearCache 清除博客计数缓存
func (h *HTTPHandler) ClearCache(c *gin.Context) {
	blogID, ok := parseID(c, "blog", "blog_id")
	if !ok {
		return
	}

	cleared, err := h.svc.ClearBlogCaches(c.Request.Context(), blogID)
	if err != nil {
		httpx.Fail(c, http.StatusInternalServerError, "Failed to clear caches")
		return
	}
	httpx.OK(c, gin.H{"cleared": cleared})
}

// parseID 解析正整数路由参数，失败时已写入422响应
func parseID(c *gin.Context, param, field string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Invalid(c, "Validation failed", map[string]string{field: "must be a positive integer"})
		return 0, false
	}
	return id, true
}
