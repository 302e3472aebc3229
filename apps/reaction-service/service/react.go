package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"commentkit/apps/reaction-service/dao"
	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/logger"
	"commentkit/pkg/telemetry"
)

// React 提交、修改或撤销访客对目标的反应
//
// 反应行的变更与入队在同一事务内完成，提交后更新聚合缓存、安排延迟对账并推送计数。
// 唯一索引冲突时整体重试一次。
func (s *Service) React(ctx context.Context, req *model.ReactRequest) (*model.ReactResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reaction.service.React")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("blog.id", req.BlogID),
		attribute.Int64("comment.id", req.CommentID),
		attribute.String("reaction.type", string(req.Type)),
	)

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid parameters")
		return nil, err
	}

	var (
		result *model.ReactResult
		op     *model.PendingOperation
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		result, op, err = s.applyReaction(ctx, req)
		if !errors.Is(err, dao.ErrDuplicateReaction) {
			break
		}
		s.logger.Warn(ctx, "Concurrent reaction insert, retrying",
			logger.F("blogID", req.BlogID),
			logger.F("commentID", req.CommentID),
			logger.F("attempt", attempt+1))
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, dao.ErrDuplicateReaction) {
			span.SetStatus(codes.Error, "reaction conflict")
			return nil, model.ErrReactionConflict
		}
		span.SetStatus(codes.Error, "failed to process reaction")
		s.logger.Error(ctx, "Failed to process reaction",
			logger.F("blogID", req.BlogID),
			logger.F("commentID", req.CommentID),
			logger.F("type", req.Type),
			logger.F("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", model.ErrProcessReaction, err)
	}

	target := req.Target()
	span.SetAttributes(attribute.String("reaction.operation", string(result.Operation)))

	if op == nil {
		counts, err := s.GetReactionCounts(ctx, target)
		if err != nil {
			s.logger.Warn(ctx, "Failed to read counts for unchanged reaction",
				logger.F("target", target.String()),
				logger.F("error", err.Error()))
		}
		result.Counts = counts
		return result, nil
	}

	result.Counts = s.refreshCounts(ctx, target, op)
	s.scheduleReconcile(ctx, req.BlogID)
	s.broadcast(ctx, target, result.Counts, req.VisitorID)
	s.publishEvent(ctx, op, result.Counts)

	s.logger.Info(ctx, "Reaction processed",
		logger.F("blogID", req.BlogID),
		logger.F("commentID", req.CommentID),
		logger.F("operation", result.Operation),
		logger.F("type", req.Type))
	return result, nil
}

// applyReaction 在事务内完成行变更和入队；提交失败时移除已入队的条目
func (s *Service) applyReaction(ctx context.Context, req *model.ReactRequest) (*model.ReactResult, *model.PendingOperation, error) {
	target := req.Target()

	var (
		result *model.ReactResult
		op     *model.PendingOperation
		pushed bool
	)
	err := s.reactions.Transaction(ctx, func(tx dao.ReactionTx) error {
		result, op, pushed = nil, nil, false

		existing, err := tx.FindReactionForUpdate(target, req.VisitorID)
		if err != nil {
			return err
		}
		at := s.changeTime(existing)

		// 墓碑只用于时间排序，对请求而言等同于没有反应
		live := existing
		if live != nil && live.Removed() {
			live = nil
		}

		switch {
		case req.Type == model.ReactionRemove && live == nil:
			result = &model.ReactResult{Message: model.MessageNoop, Operation: model.OperationNone}
			return nil

		case req.Type == model.ReactionRemove:
			if err := tx.DeleteReaction(live.ID, at); err != nil {
				return err
			}
			op = newOperation(target, req.VisitorID, live.Type, "", model.OperationDelete, at)
			result = &model.ReactResult{
				Message:      model.MessageDeleted,
				Reaction:     live,
				Operation:    model.OperationDelete,
				PreviousType: live.Type,
			}

		case live == nil && existing != nil:
			if err := tx.RestoreReaction(existing.ID, req.Type, at); err != nil {
				return err
			}
			restored := *existing
			restored.Type = req.Type
			restored.CreatedAt = at
			restored.UpdatedAt = at
			restored.DeletedAt = gorm.DeletedAt{}
			op = newOperation(target, req.VisitorID, req.Type, "", model.OperationCreate, at)
			result = &model.ReactResult{Message: model.MessageCreated, Reaction: &restored, Operation: model.OperationCreate}

		case live == nil:
			reaction := &model.Reaction{
				BlogID:    target.BlogID,
				CommentID: target.CommentID,
				VisitorID: req.VisitorID,
				Type:      req.Type,
				CreatedAt: at,
				UpdatedAt: at,
			}
			if err := tx.CreateReaction(reaction); err != nil {
				return err
			}
			op = newOperation(target, req.VisitorID, req.Type, "", model.OperationCreate, at)
			result = &model.ReactResult{Message: model.MessageCreated, Reaction: reaction, Operation: model.OperationCreate}

		case live.Type == req.Type:
			result = &model.ReactResult{Message: model.MessageUnchanged, Reaction: live, Operation: model.OperationNone}
			return nil

		default:
			previous := live.Type
			if err := tx.UpdateReactionType(live.ID, req.Type, at); err != nil {
				return err
			}
			live.Type = req.Type
			live.UpdatedAt = at
			op = newOperation(target, req.VisitorID, req.Type, previous, model.OperationUpdate, at)
			result = &model.ReactResult{
				Message:      model.MessageUpdated,
				Reaction:     live,
				Operation:    model.OperationUpdate,
				PreviousType: previous,
			}
		}

		if err := s.queue.Push(ctx, op, s.cfg.QueueTTL()); err != nil {
			return fmt.Errorf("enqueue pending operation: %w", err)
		}
		pushed = true
		return nil
	})
	if err != nil {
		if pushed {
			if rmErr := s.queue.Remove(ctx, op); rmErr != nil {
				s.logger.Error(ctx, "Failed to remove pending operation after rollback",
					logger.F("blogID", op.BlogID),
					logger.F("error", rmErr.Error()))
			}
		}
		return nil, nil, err
	}
	return result, op, nil
}

// changeTime 变更时间取毫秒，并严格晚于该键上一次变更
//
// 行时间与队列时间戳可直接比较，对账守卫依赖同一键的时间单调递增。
func (s *Service) changeTime(existing *model.Reaction) time.Time {
	at := time.UnixMilli(s.now().UnixMilli()).UTC()
	if existing == nil {
		return at
	}
	if last := time.UnixMilli(existing.UpdatedAt.UnixMilli()); !at.After(last) {
		at = last.Add(time.Millisecond).UTC()
	}
	return at
}

func newOperation(target model.Target, visitorID string, reactionType, previous model.ReactionType, operation model.Operation, at time.Time) *model.PendingOperation {
	return &model.PendingOperation{
		BlogID:       target.BlogID,
		CommentID:    target.CommentID,
		VisitorID:    visitorID,
		Type:         reactionType,
		PreviousType: previous,
		Operation:    operation,
		Timestamp:    at.UnixMilli(),
	}
}
