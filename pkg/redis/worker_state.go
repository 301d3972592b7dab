package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// PutWorkerState 写入 worker 心跳字段，并刷新 key TTL，心跳停止后自然过期。
func PutWorkerState(ctx context.Context, rdb rd.Cmdable, name string, fields map[string]string, ttl time.Duration) error {
	key := WorkerStateKey(name)
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetWorkerState 读取心跳。found=false 表示 key 不存在（worker 未运行或已过期）。
func GetWorkerState(ctx context.Context, rdb rd.Cmdable, name string) (map[string]string, bool, error) {
	m, err := rdb.HGetAll(ctx, WorkerStateKey(name)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}
