package service

import (
	"context"
	"time"

	"commentkit/apps/reaction-service/dao"
	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/config"
	"commentkit/pkg/logger"
)

// Scheduler 延迟任务调度，由 delayqueue.Queue 实现
type Scheduler interface {
	Schedule(ctx context.Context, member string, at time.Time) error
}

// Notifier 实时推送，由 redis.RedisClient 的发布实现
type Notifier interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// EventPublisher 事件发送，由 kafka.Producer 实现
type EventPublisher interface {
	SendMessage(topic string, key, value []byte) error
}

// Dependencies 反应服务依赖
type Dependencies struct {
	Reactions dao.ReactionDAO
	Cache     dao.CountCacheDAO
	Queue     dao.PendingQueueDAO
	Locks     dao.LockDAO
	Scheduler Scheduler
	Notifier  Notifier       // 可选
	Events    EventPublisher // 可选
}

// Service 反应服务
type Service struct {
	reactions dao.ReactionDAO
	cache     dao.CountCacheDAO
	queue     dao.PendingQueueDAO
	locks     dao.LockDAO
	scheduler Scheduler
	notifier  Notifier
	events    EventPublisher
	topic     string
	cfg       config.ReactionConfig
	logger    logger.Logger
	now       func() time.Time
}

// Option 服务选项
type Option func(*Service)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithEventTopic 设置事件主题
func WithEventTopic(topic string) Option {
	return func(s *Service) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// NewService 创建反应服务实例
func NewService(deps Dependencies, cfg config.ReactionConfig, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		reactions: deps.Reactions,
		cache:     deps.Cache,
		queue:     deps.Queue,
		locks:     deps.Locks,
		scheduler: deps.Scheduler,
		notifier:  deps.Notifier,
		events:    deps.Events,
		topic:     model.TopicReactionEvents,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config 当前配置
func (s *Service) Config() config.ReactionConfig {
	return s.cfg
}
