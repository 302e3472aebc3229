package dao

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/redis"
)

// applyDeltaScript 仅在计数已缓存时逐字段累加，结果不小于 0
var applyDeltaScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
for i = 3, #ARGV, 2 do
	local v = redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
	if v < 0 then
		redis.call('HSET', KEYS[1], ARGV[i], 0)
	end
end
redis.call('HSET', KEYS[1], '` + model.FieldComputedAt + `', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// countCacheDAO 聚合计数缓存实现
type countCacheDAO struct {
	redis *redis.RedisClient
	now   func() time.Time
}

// NewCountCacheDAO 创建计数缓存DAO
func NewCountCacheDAO(rdb *redis.RedisClient) CountCacheDAO {
	return &countCacheDAO{redis: rdb, now: time.Now}
}

// GetCounts 读取缓存计数
func (d *countCacheDAO) GetCounts(ctx context.Context, target model.Target) (model.CountSnapshot, bool, error) {
	fields, err := d.redis.HGetAll(ctx, model.GetCountsKey(target))
	if err != nil {
		return model.CountSnapshot{}, false, err
	}
	if len(fields) == 0 {
		return model.CountSnapshot{}, false, nil
	}
	snapshot, err := model.SnapshotFromHash(fields)
	if err != nil {
		return model.CountSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// PutCounts 覆盖写入计数并登记到博客标签集合
func (d *countCacheDAO) PutCounts(ctx context.Context, target model.Target, snapshot model.CountSnapshot, ttl time.Duration) error {
	computedAt := snapshot.ComputedAt
	if computedAt.IsZero() {
		computedAt = d.now()
	}
	if err := d.redis.SetHashWithTTL(ctx, model.GetCountsKey(target), snapshot.Counts.ToHash(computedAt), ttl); err != nil {
		return err
	}
	return d.redis.SAdd(ctx, model.GetTagKey(target.BlogID), tagMember(target))
}

// ApplyDelta 原子累加增量，未缓存时不写入
func (d *countCacheDAO) ApplyDelta(ctx context.Context, target model.Target, delta model.ReactionCounts, computedAt time.Time, ttl time.Duration) (bool, error) {
	if computedAt.IsZero() {
		computedAt = d.now()
	}
	args := []interface{}{ttl.Milliseconds(), computedAt.UnixMilli()}
	for _, t := range model.ValidReactionTypes {
		if v := delta.Get(t); v != 0 {
			args = append(args, string(t), v)
		}
	}

	res, err := d.redis.RunScript(ctx, applyDeltaScript, []string{model.GetCountsKey(target)}, args...)
	if err != nil {
		return false, err
	}
	applied, _ := res.(int64)
	return applied == 1, nil
}

// FlushBlog 删除博客及其评论的全部计数缓存
func (d *countCacheDAO) FlushBlog(ctx context.Context, blogID int64) (int, error) {
	targets, err := d.TaggedTargets(ctx, blogID)
	if err != nil {
		return 0, err
	}

	keys := []string{model.GetCountsKey(model.BlogTarget(blogID))}
	for _, target := range targets {
		if !target.IsBlog() {
			keys = append(keys, model.GetCountsKey(target))
		}
	}
	if err := d.redis.Del(ctx, append(keys, model.GetTagKey(blogID))...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// TaggedTargets 列出博客下已缓存过的目标
func (d *countCacheDAO) TaggedTargets(ctx context.Context, blogID int64) ([]model.Target, error) {
	members, err := d.redis.SMembers(ctx, model.GetTagKey(blogID))
	if err != nil {
		return nil, err
	}

	targets := make([]model.Target, 0, len(members))
	for _, member := range members {
		commentID, err := strconv.ParseInt(member, 10, 64)
		if err != nil || commentID < 0 {
			continue
		}
		targets = append(targets, model.CommentTarget(blogID, commentID))
	}
	return targets, nil
}

// tagMember 标签集合成员为评论ID，博客级为 0
func tagMember(target model.Target) string {
	return strconv.FormatInt(target.CommentID, 10)
}
