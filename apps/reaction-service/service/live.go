package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/logger"
	"commentkit/pkg/telemetry"
)

// GetLiveReactionCounts 缓存计数叠加队列中尚未计入缓存的变更
//
// 仅叠加时间戳晚于缓存计算时间的条目，队列读取失败时退回缓存计数。
// 结果为尽力而为的近似值，不保证与数据库一致。
func (s *Service) GetLiveReactionCounts(ctx context.Context, target model.Target) (model.ReactionCounts, error) {
	ctx, span := telemetry.StartSpan(ctx, "reaction.service.GetLiveReactionCounts")
	defer span.End()
	span.SetAttributes(attribute.String("reaction.target", target.String()))

	snapshot, found, err := s.cache.GetCounts(ctx, target)
	if err != nil {
		s.logger.Warn(ctx, "Failed to read cached counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
	if !found {
		snapshot.ComputedAt = s.now()
		snapshot.Counts, err = s.recompute(ctx, target)
		if err != nil {
			return model.ReactionCounts{}, err
		}
	}

	ops, err := s.queue.Peek(ctx, target.BlogID)
	if err != nil {
		s.logger.Warn(ctx, "Failed to read pending queue",
			logger.F("blogID", target.BlogID),
			logger.F("error", err.Error()))
		return snapshot.Counts, nil
	}

	counts := snapshot.Counts
	pending := 0
	for _, op := range ops {
		if op.Target() != target || op.Timestamp <= snapshot.ComputedAt.UnixMilli() {
			continue
		}
		counts = counts.Merge(op.Delta())
		pending++
	}
	span.SetAttributes(attribute.Int("reaction.pending", pending))
	return counts.Floor(), nil
}
