package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配 owner 时才删除，避免误删其它实例刚拿到的锁。
const luaReleaseLockIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Lock 基于 SET NX PX 的简单互斥，用于让多副本中只有一个执行过期清扫。
type Lock struct {
	rdb *rd.Client
	key string
}

func NewLock(rdb *rd.Client, key string) *Lock {
	return &Lock{rdb: rdb, key: key}
}

// TryAcquire 尝试拿锁，ttl 到期自动释放（持有者崩溃时兜底）。
func (l *Lock) TryAcquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, owner, ttl).Result()
}

// Release 安全释放。
func (l *Lock) Release(ctx context.Context, owner string) error {
	return rd.NewScript(luaReleaseLockIfMatch).Run(ctx, l.rdb, []string{l.key}, owner).Err()
}
