package dao

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"commentkit/pkg/redis"
)

// releaseScript 仅当锁仍属于调用方时删除
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type lockDAO struct {
	redis *redis.RedisClient
}

// NewLockDAO 创建锁DAO
func NewLockDAO(rdb *redis.RedisClient) LockDAO {
	return &lockDAO{redis: rdb}
}

// Acquire 键不存在时写入随机令牌，返回令牌与是否获得
func (d *lockDAO) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := d.redis.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release 比对令牌后释放，锁已过期或被他人持有时不做任何事
func (d *lockDAO) Release(ctx context.Context, key, token string) error {
	_, err := d.redis.RunScript(ctx, releaseScript, []string{key}, token)
	return err
}
