package dao

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/redis"
)

// trimExpiredScript 原子地重写队列，只保留 timestamp 不早于 ARGV[1] 的条目
var trimExpiredScript = goredis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items == 0 then
	return 0
end
local cutoff = tonumber(ARGV[1])
local keep = {}
for _, raw in ipairs(items) do
	local ok, op = pcall(cjson.decode, raw)
	if ok and type(op) == 'table' then
		local ts = tonumber(op['timestamp'])
		if ts and ts >= cutoff then
			table.insert(keep, raw)
		end
	end
end
local removed = #items - #keep
if removed == 0 then
	return 0
end
redis.call('DEL', KEYS[1])
for i = 1, #keep, 500 do
	redis.call('RPUSH', KEYS[1], unpack(keep, i, math.min(i + 499, #keep)))
end
if #keep > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return removed
`)

// pendingQueueDAO 待对账队列实现
type pendingQueueDAO struct {
	redis *redis.RedisClient
}

// NewPendingQueueDAO 创建队列DAO
func NewPendingQueueDAO(rdb *redis.RedisClient) PendingQueueDAO {
	return &pendingQueueDAO{redis: rdb}
}

// Push 追加到博客队列尾部并刷新TTL
func (d *pendingQueueDAO) Push(ctx context.Context, op *model.PendingOperation, ttl time.Duration) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending operation: %w", err)
	}
	return d.redis.RPushWithTTL(ctx, model.GetQueueKey(op.BlogID), ttl, payload)
}

// Remove 从队尾方向删除一条相同的变更
func (d *pendingQueueDAO) Remove(ctx context.Context, op *model.PendingOperation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending operation: %w", err)
	}
	_, err = d.redis.LRem(ctx, model.GetQueueKey(op.BlogID), -1, payload)
	return err
}

// PopBatch 从队头取出最多 n 条
func (d *pendingQueueDAO) PopBatch(ctx context.Context, blogID int64, n int) ([]*model.PendingOperation, int, error) {
	values, err := d.redis.LPopCount(ctx, model.GetQueueKey(blogID), n)
	if err != nil {
		return nil, 0, err
	}
	ops, dropped := decodeOperations(values)
	return ops, dropped, nil
}

// Requeue 放回队头
func (d *pendingQueueDAO) Requeue(ctx context.Context, blogID int64, ops []*model.PendingOperation, ttl time.Duration) error {
	if len(ops) == 0 {
		return nil
	}

	// LPUSH 逆序插入以保持原顺序
	values := make([]interface{}, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		payload, err := json.Marshal(ops[i])
		if err != nil {
			return fmt.Errorf("encode pending operation: %w", err)
		}
		values = append(values, payload)
	}

	key := model.GetQueueKey(blogID)
	if err := d.redis.LPush(ctx, key, values...); err != nil {
		return err
	}
	return d.redis.Expire(ctx, key, ttl)
}

// Peek 读取队列全部条目，不出队
func (d *pendingQueueDAO) Peek(ctx context.Context, blogID int64) ([]*model.PendingOperation, error) {
	values, err := d.redis.LRange(ctx, model.GetQueueKey(blogID), 0, -1)
	if err != nil {
		return nil, err
	}
	ops, _ := decodeOperations(values)
	return ops, nil
}

// ListQueueBlogs 扫描所有存在队列的博客
func (d *pendingQueueDAO) ListQueueBlogs(ctx context.Context) ([]int64, error) {
	keys, err := d.redis.Scan(ctx, model.QueueScanPattern, model.QueueScanCount)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(keys))
	blogIDs := make([]int64, 0, len(keys))
	for _, key := range keys {
		blogID, ok := model.ParseQueueKey(key)
		if !ok || seen[blogID] {
			continue
		}
		seen[blogID] = true
		blogIDs = append(blogIDs, blogID)
	}
	return blogIDs, nil
}

// TrimExpired 删除过期条目
func (d *pendingQueueDAO) TrimExpired(ctx context.Context, blogID int64, cutoff time.Time, ttl time.Duration) (int64, error) {
	res, err := d.redis.RunScript(ctx, trimExpiredScript, []string{model.GetQueueKey(blogID)},
		cutoff.UnixMilli(), ttl.Milliseconds())
	if err != nil {
		return 0, err
	}
	removed, _ := res.(int64)
	return removed, nil
}

func decodeOperations(values []string) ([]*model.PendingOperation, int) {
	ops := make([]*model.PendingOperation, 0, len(values))
	dropped := 0
	for _, raw := range values {
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil || op.BlogID <= 0 {
			dropped++
			continue
		}
		ops = append(ops, &op)
	}
	return ops, dropped
}
