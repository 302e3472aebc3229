package service

import (
	"context"
	"time"

	"commentkit/pkg/logger"
)

// CleanupOldQueues 删除所有博客队列中超过保留时长的条目，返回删除总数。
// 顺带清除超过 TombstoneRetention 的撤销记录，它们不计入返回值
func (s *Service) CleanupOldQueues(ctx context.Context) (int64, error) {
	blogIDs, err := s.queue.ListQueueBlogs(ctx)
	if err != nil {
		s.logger.Error(ctx, "Failed to scan pending queues", logger.F("error", err.Error()))
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.QueueRetention)
	var total int64
	for _, blogID := range blogIDs {
		removed, err := s.queue.TrimExpired(ctx, blogID, cutoff, s.cfg.QueueTTL())
		if err != nil {
			s.logger.Warn(ctx, "Failed to trim pending queue",
				logger.F("blogID", blogID),
				logger.F("error", err.Error()))
			continue
		}
		if removed > 0 {
			s.logger.Info(ctx, "Trimmed expired pending operations",
				logger.F("blogID", blogID),
				logger.F("removed", removed))
		}
		total += removed
	}

	purged, err := s.reactions.PurgeTombstones(ctx, s.now().Add(-s.cfg.TombstoneRetention))
	if err != nil {
		s.logger.Warn(ctx, "Failed to purge reaction tombstones", logger.F("error", err.Error()))
	} else if purged > 0 {
		s.logger.Info(ctx, "Purged reaction tombstones", logger.F("purged", purged))
	}
	return total, nil
}

// RunCleanup 按间隔执行清理，直到 ctx 结束
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupOldQueues(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn(ctx, "Queue cleanup round failed", logger.F("error", err.Error()))
			}
		}
	}
}
