package service

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"commentkit/apps/reaction-service/model"
	tracecontext "commentkit/pkg/context"
	"commentkit/pkg/logger"
	"commentkit/pkg/telemetry"
)

// scheduleReconcile 每个博客在一个延迟窗口内只安排一次对账
func (s *Service) scheduleReconcile(ctx context.Context, blogID int64) {
	key := model.GetScheduledKey(blogID)
	token, acquired, err := s.locks.Acquire(ctx, key, s.cfg.ReconcileDelay)
	if err != nil {
		s.logger.Warn(ctx, "Failed to set reconcile schedule flag",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
		return
	}
	if !acquired {
		return
	}

	at := s.now().Add(s.cfg.ReconcileDelay)
	if err := s.scheduler.Schedule(ctx, strconv.FormatInt(blogID, 10), at); err != nil {
		s.logger.Error(ctx, "Failed to schedule reconcile",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
		// 允许下一次请求重新安排
		if relErr := s.locks.Release(ctx, key, token); relErr != nil {
			s.logger.Warn(ctx, "Failed to clear reconcile schedule flag",
				logger.F("blogID", blogID),
				logger.F("error", relErr.Error()))
		}
		return
	}
	s.logger.Debug(ctx, "Reconcile scheduled", logger.F("blogID", blogID), logger.F("at", at))
}

// HandleDueTask 延迟队列到期回调，member 为博客ID
func (s *Service) HandleDueTask(ctx context.Context, member string) error {
	blogID, err := strconv.ParseInt(member, 10, 64)
	if err != nil || blogID <= 0 {
		return fmt.Errorf("invalid reconcile task member %q", member)
	}
	_, err = s.ProcessBulkReactionUpdates(ctx, blogID)
	return err
}

// ProcessBulkReactionUpdates 对账一个博客的待处理队列
//
// 持有处理锁期间分批出队并写入数据库，随后从数据库重算涉及目标的缓存。
// 锁被占用时直接返回 Skipped。批次写入失败时该批放回队头并停止本次对账。
func (s *Service) ProcessBulkReactionUpdates(ctx context.Context, blogID int64) (*model.ReconcileResult, error) {
	// 调用方取消不应中断已开始的对账
	ctx = tracecontext.WithBlogID(tracecontext.Detach(ctx), blogID)
	ctx, span := telemetry.StartSpan(ctx, "reaction.service.ProcessBulkReactionUpdates")
	defer span.End()
	span.SetAttributes(attribute.Int64("blog.id", blogID))

	result := &model.ReconcileResult{BlogID: blogID}

	lockKey := model.GetProcessingKey(blogID)
	lockToken, acquired, err := s.locks.Acquire(ctx, lockKey, s.cfg.ProcessingTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire processing lock")
		return nil, fmt.Errorf("acquire processing lock: %w", err)
	}
	if !acquired {
		result.Skipped = true
		s.logger.Debug(ctx, "Reconcile already running", logger.F("blogID", blogID))
		return result, nil
	}
	started := s.now()
	defer func() {
		if elapsed := s.now().Sub(started); elapsed > s.cfg.ProcessingTimeout {
			s.logger.Warn(ctx, "Reconcile outlived processing lock",
				logger.F("blogID", blogID),
				logger.F("elapsed", elapsed.String()))
		}
		// 锁已过期并被其他对账获得时，令牌不匹配，不会误删
		if err := s.locks.Release(ctx, lockKey, lockToken); err != nil {
			s.logger.Warn(ctx, "Failed to release processing lock",
				logger.F("blogID", blogID),
				logger.F("error", err.Error()))
		}
	}()

	touched := []model.Target{model.BlogTarget(blogID)}
	seen := map[model.Target]bool{model.BlogTarget(blogID): true}
	addTarget := func(t model.Target) {
		if !seen[t] {
			seen[t] = true
			touched = append(touched, t)
		}
	}

	applied := make(map[model.Target]bool)
	var batchErr error
	for {
		ops, dropped, err := s.queue.PopBatch(ctx, blogID, s.cfg.BatchSize)
		if err != nil {
			batchErr = fmt.Errorf("pop pending batch: %w", err)
			break
		}
		if dropped > 0 {
			s.logger.Warn(ctx, "Dropped malformed pending operations",
				logger.F("blogID", blogID),
				logger.F("count", dropped))
		}
		if len(ops) == 0 {
			break
		}

		batch := model.BuildBatch(ops)
		if err := s.reactions.ApplyBatch(ctx, batch); err != nil {
			batchErr = fmt.Errorf("apply batch: %w", err)
			if rqErr := s.queue.Requeue(ctx, blogID, ops, s.cfg.QueueTTL()); rqErr != nil {
				s.logger.Error(ctx, "Failed to requeue pending batch",
					logger.F("blogID", blogID),
					logger.F("count", len(ops)),
					logger.F("error", rqErr.Error()))
			}
			break
		}

		result.Batches++
		result.Operations += len(ops)
		for _, t := range batch.Targets {
			applied[t] = true
			addTarget(t)
		}
		if len(ops)+dropped < s.cfg.BatchSize {
			break
		}
	}

	// 曾被缓存的目标也一并刷新，保证缓存与数据库一致
	tagged, err := s.cache.TaggedTargets(ctx, blogID)
	if err != nil {
		s.logger.Warn(ctx, "Failed to list cached targets",
			logger.F("blogID", blogID),
			logger.F("error", err.Error()))
	}
	for _, t := range tagged {
		addTarget(t)
	}

	for _, t := range touched {
		counts, err := s.recompute(ctx, t)
		if err != nil {
			s.logger.Error(ctx, "Failed to recompute counts",
				logger.F("target", t.String()),
				logger.F("error", err.Error()))
			if batchErr == nil {
				batchErr = fmt.Errorf("recompute %s: %w", t, err)
			}
			continue
		}
		if applied[t] {
			s.broadcast(ctx, t, counts, "")
		}
	}
	result.Targets = touched

	span.SetAttributes(
		attribute.Int("reconcile.batches", result.Batches),
		attribute.Int("reconcile.operations", result.Operations),
	)

	if batchErr != nil {
		span.RecordError(batchErr)
		span.SetStatus(codes.Error, "reconcile failed")
		s.logger.Error(ctx, "Reconcile failed",
			logger.F("blogID", blogID),
			logger.F("batches", result.Batches),
			logger.F("error", batchErr.Error()))
		// 放回的条目需要再次对账
		s.scheduleReconcile(ctx, blogID)
		return result, batchErr
	}

	s.logger.Info(ctx, "Reconcile completed",
		logger.F("blogID", blogID),
		logger.F("batches", result.Batches),
		logger.F("operations", result.Operations),
		logger.F("targets", len(touched)))
	return result, nil
}
