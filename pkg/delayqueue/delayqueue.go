// Package delayqueue 基于 Redis 有序集合的延迟任务队列
//
// 分数为到期时间（毫秒），轮询协程取出到期成员并通过 ZREM 抢占，
// 只有 ZREM 成功的实例执行任务，多实例部署时每个任务只触发一次。
package delayqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"commentkit/pkg/logger"
)

// DefaultPollBatch 单次轮询最多取出的任务数
const DefaultPollBatch = 100

// Store 延迟队列依赖的有序集合操作，*redis.RedisClient 实现了该接口
type Store interface {
	ZAddNX(ctx context.Context, key string, members ...*redis.Z) (int64, error)
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error)
	ZRem(ctx context.Context, key string, members ...interface{}) (int64, error)
}

// Handler 任务到期回调
type Handler func(ctx context.Context, member string) error

// Queue 延迟任务队列
type Queue struct {
	store    Store
	key      string
	interval time.Duration
	batch    int64
	logger   logger.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建延迟队列
func New(store Store, key string, interval time.Duration, log logger.Logger) *Queue {
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue{
		store:    store,
		key:      key,
		interval: interval,
		batch:    DefaultPollBatch,
		logger:   log,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Schedule 在 at 时刻触发 member，已排队的成员保持原到期时间
func (q *Queue) Schedule(ctx context.Context, member string, at time.Time) error {
	_, err := q.store.ZAddNX(ctx, q.key, &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	})
	return err
}

// Start 启动轮询协程
func (q *Queue) Start(ctx context.Context, handler Handler) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := q.Poll(ctx, handler); err != nil {
					q.logger.Error(ctx, "Delay queue poll failed",
						logger.F("key", q.key),
						logger.F("error", err.Error()))
				}
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	q.logger.Info(ctx, "Delay queue started",
		logger.F("key", q.key),
		logger.F("interval", q.interval.String()))
}

// Stop 停止轮询并等待当前轮次结束
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

// Poll 执行一轮轮询，返回本实例触发的任务数
func (q *Queue) Poll(ctx context.Context, handler Handler) (int, error) {
	due, err := q.store.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.batch,
	})
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, member := range due {
		removed, err := q.store.ZRem(ctx, q.key, member)
		if err != nil {
			return fired, err
		}
		if removed == 0 {
			// 其他实例已经抢到
			continue
		}

		fired++
		if err := handler(ctx, member); err != nil {
			q.logger.Error(ctx, "Delayed task failed",
				logger.F("key", q.key),
				logger.F("member", member),
				logger.F("error", err.Error()))
		}
	}
	return fired, nil
}
