package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前毫秒时间戳，ARGV[2]=窗口起点，ARGV[3]=窗口毫秒数，ARGV[4]=member，ARGV[5]=上限
// 返回：当前窗口内的请求数，超限返回 -1
var luaRateLimit = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, windowMs)
  return count + 1
end
return -1
`)

// RedisRateLimit 分布式限流，按 body 里的 order_id 计数，解析不到时按 IP。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if orderID := extractOrderID(c); orderID != "" {
			key = fmt.Sprintf("rate_limit:reserve:order:%s", orderID)
		} else {
			key = fmt.Sprintf("rate_limit:reserve:ip:%s", c.ClientIP())
		}

		now := time.Now().UnixMilli()
		windowMs := window.Milliseconds()
		res, err := luaRateLimit.Run(c.Request.Context(), rdb, []string{key},
			now, now-windowMs, windowMs, uuid.NewString(), limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			log.Warn("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}

// extractOrderID 从请求 body 中解析 order_id（不消耗 body，可重复读）
func extractOrderID(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	// 重置 body，让后续 handler 能继续读
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return ""
	}
	return req.OrderID
}
