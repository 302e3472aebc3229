package service

import (
	"context"
	"encoding/json"
	"strconv"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/logger"
)

// broadcast 向目标频道推送最新计数，excluding 为触发变更的访客
func (s *Service) broadcast(ctx context.Context, target model.Target, counts model.ReactionCounts, excluding string) {
	if s.notifier == nil {
		return
	}

	payload, err := json.Marshal(&model.CountsUpdate{
		BlogID:    target.BlogID,
		CommentID: target.CommentIDPtr(),
		Counts:    counts,
		Excluding: excluding,
	})
	if err != nil {
		s.logger.Error(ctx, "Failed to encode counts update", logger.F("error", err.Error()))
		return
	}

	if err := s.notifier.Publish(ctx, model.GetChannel(target), payload); err != nil {
		s.logger.Warn(ctx, "Failed to broadcast counts",
			logger.F("target", target.String()),
			logger.F("error", err.Error()))
	}
}

// publishEvent 发送反应事件，按博客ID分区
func (s *Service) publishEvent(ctx context.Context, op *model.PendingOperation, counts model.ReactionCounts) {
	if s.events == nil {
		return
	}

	event := &model.ReactionEvent{
		EventType:    op.Operation,
		BlogID:       op.BlogID,
		CommentID:    op.Target().CommentIDPtr(),
		VisitorID:    op.VisitorID,
		Type:         op.Type,
		PreviousType: op.PreviousType,
		Counts:       counts,
		Timestamp:    op.Time().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error(ctx, "Failed to encode reaction event", logger.F("error", err.Error()))
		return
	}

	key := []byte(strconv.FormatInt(op.BlogID, 10))
	if err := s.events.SendMessage(s.topic, key, value); err != nil {
		s.logger.Warn(ctx, "Failed to publish reaction event",
			logger.F("blogID", op.BlogID),
			logger.F("error", err.Error()))
	}
}
