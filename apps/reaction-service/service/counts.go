package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/logger"
	"commentkit/pkg/telemetry"
)

// GetReactionCounts 获取目标的聚合计数，缓存未命中时从数据库重算并回填
func (s *Service) GetReactionCounts(ctx context.Context, target model.Target) (model.ReactionCounts, error) {
	ctx, span := telemetry.StartSpan(ctx, "reaction.service.GetReactionCounts")
	defer span.End()
	span.SetAttributes(attribute.String("reaction.target", target.String()))

	snapshot, found, err := s.cache.GetCounts(ctx, target)
	if err != nil {
		s.logger.Warn(ctx, "Failed to read cached counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
	if found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return snapshot.Counts, nil
	}

	counts, err := s.recompute(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count reactions")
		return model.ReactionCounts{}, err
	}
	return counts, nil
}

// ClearBlogCaches 清除博客及其评论的全部计数缓存
func (s *Service) ClearBlogCaches(ctx context.Context, blogID int64) (int, error) {
	n, err := s.cache.FlushBlog(ctx, blogID)
	if err != nil {
		s.logger.Error(ctx, "Failed to clear blog caches",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
		return 0, err
	}
	s.logger.Info(ctx, "Blog caches cleared", logger.F("blogID", blogID), logger.F("keys", n))
	return n, nil
}

// recompute 从数据库统计并覆盖缓存，缓存写失败不影响返回值
func (s *Service) recompute(ctx context.Context, target model.Target) (model.ReactionCounts, error) {
	computedAt := s.now()
	counts, err := s.reactions.CountByType(ctx, target)
	if err != nil {
		return model.ReactionCounts{}, err
	}

	snapshot := model.CountSnapshot{Counts: counts, ComputedAt: computedAt}
	if err := s.cache.PutCounts(ctx, target, snapshot, s.cfg.CacheTTL); err != nil {
		s.logger.Warn(ctx, "Failed to cache counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
	return counts, nil
}

// refreshCounts 提交后更新缓存：已缓存时原子应用增量，未缓存时只读数据库不回填
//
// 未缓存时回填会与并发写入的增量重复计入，回填交给读取路径和对账。
// RecomputeOnUpdate 只影响类型切换，新增和撤销始终走增量。
func (s *Service) refreshCounts(ctx context.Context, target model.Target, op *model.PendingOperation) model.ReactionCounts {
	if s.cfg.RecomputeOnUpdate && op.Operation == model.OperationUpdate {
		counts, err := s.recompute(ctx, target)
		if err != nil {
			s.logger.Warn(ctx, "Failed to recompute counts after reaction",
				logger.F("target", target.String()),
				logger.F("error", err.Error()))
		}
		return counts
	}

	// 变更时间可能因同键单调递增而略晚于时钟，缓存时间不能早于它
	computedAt := s.now()
	if at := op.Time(); at.After(computedAt) {
		computedAt = at
	}
	applied, err := s.cache.ApplyDelta(ctx, target, op.Delta(), computedAt, s.cfg.CacheTTL)
	if err != nil {
		s.logger.Warn(ctx, "Failed to apply count delta",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
	if applied {
		snapshot, found, err := s.cache.GetCounts(ctx, target)
		if err == nil && found {
			return snapshot.Counts
		}
	}

	counts, err := s.reactions.CountByType(ctx, target)
	if err != nil {
		// 行已提交，对账会修正缓存
		s.logger.Warn(ctx, "Failed to count reactions after commit",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
	return counts
}
