package dao

import (
	"context"
	"errors"
	"time"

	"commentkit/apps/reaction-service/model"
)

// ErrDuplicateReaction 同一访客对同一目标的反应已存在（唯一索引冲突）
var ErrDuplicateReaction = errors.New("duplicate reaction")

// ReactionDAO 反应记录数据访问接口
type ReactionDAO interface {
	// 事务内的读写，fn 返回错误时回滚
	Transaction(ctx context.Context, fn func(tx ReactionTx) error) error

	// 只统计未撤销的反应
	CountByType(ctx context.Context, target model.Target) (model.ReactionCounts, error)

	// 对账批量写入，同一事务
	ApplyBatch(ctx context.Context, batch *model.ReconcileBatch) error
	// 清除 before 之前留下的墓碑，返回清除行数
	PurgeTombstones(ctx context.Context, before time.Time) (int64, error)
}

// ReactionTx 事务内的反应行操作
type ReactionTx interface {
	// 加行锁读取，包含墓碑，不存在返回 nil
	FindReactionForUpdate(target model.Target, visitorID string) (*model.Reaction, error)
	CreateReaction(reaction *model.Reaction) error
	// 复活墓碑为新的反应
	RestoreReaction(id int64, reactionType model.ReactionType, at time.Time) error
	UpdateReactionType(id int64, reactionType model.ReactionType, at time.Time) error
	// 写入墓碑
	DeleteReaction(id int64, at time.Time) error
}

// CountCacheDAO 聚合计数缓存接口
type CountCacheDAO interface {
	// found 为 false 表示未缓存
	GetCounts(ctx context.Context, target model.Target) (snapshot model.CountSnapshot, found bool, err error)
	// ComputedAt 为零值时取当前时间
	PutCounts(ctx context.Context, target model.Target, snapshot model.CountSnapshot, ttl time.Duration) error
	// 仅在已缓存时应用增量，返回是否应用；computedAt 为零值时取当前时间
	ApplyDelta(ctx context.Context, target model.Target, delta model.ReactionCounts, computedAt time.Time, ttl time.Duration) (bool, error)
	// 清除博客下所有计数缓存，返回清除的键数
	FlushBlog(ctx context.Context, blogID int64) (int, error)
	TaggedTargets(ctx context.Context, blogID int64) ([]model.Target, error)
}

// PendingQueueDAO 待对账队列接口，每个博客一个列表
type PendingQueueDAO interface {
	Push(ctx context.Context, op *model.PendingOperation, ttl time.Duration) error
	// 移除最近一次入队的相同变更，用于提交失败后的补偿
	Remove(ctx context.Context, op *model.PendingOperation) error
	// 从队头取出最多 n 条，无法解析的条目丢弃并计入 dropped
	PopBatch(ctx context.Context, blogID int64, n int) (ops []*model.PendingOperation, dropped int, err error)
	// 放回队头，保持原有顺序
	Requeue(ctx context.Context, blogID int64, ops []*model.PendingOperation, ttl time.Duration) error
	Peek(ctx context.Context, blogID int64) ([]*model.PendingOperation, error)
	ListQueueBlogs(ctx context.Context) ([]int64, error)
	// 删除早于 cutoff 的条目，返回删除数
	TrimExpired(ctx context.Context, blogID int64, cutoff time.Time, ttl time.Duration) (int64, error)
}

// LockDAO 基于 SETNX 的短期锁，持有者以令牌区分
type LockDAO interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// 令牌不匹配时不释放，避免误删过期后被他人重新获得的锁
	Release(ctx context.Context, key, token string) error
}
