package redis

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaAppendLowStock 原子地分配商品级序列号并 XADD。
// 同一 event_id 重复追加时直接返回第一次的 seq 与 id，不会写出第二条。
// KEYS[1]=stream KEYS[2]=seq KEYS[3]=appended 标记
// ARGV[1]=maxlen（0 不裁剪） ARGV[2]=标记 TTL 秒 ARGV[3..]=字段键值对
const luaAppendLowStock = `
local done = redis.call('GET', KEYS[3])
if done then
  local sep = string.find(done, '|', 1, true)
  return {tonumber(string.sub(done, 1, sep - 1)), string.sub(done, sep + 1)}
end
local seq = redis.call('INCR', KEYS[2])
local fields = {'seq', tostring(seq)}
for i = 3, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
local id
local maxlen = tonumber(ARGV[1])
if maxlen > 0 then
  id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '*', unpack(fields))
else
  id = redis.call('XADD', KEYS[1], '*', unpack(fields))
end
redis.call('SET', KEYS[3], tostring(seq) .. '|' .. id, 'EX', tonumber(ARGV[2]))
return {seq, id}
`

// appendedMarkTTL 覆盖发布端的重试窗口即可。
const appendedMarkTTL = 24 * time.Hour

// AppendLowStock 追加一条低库存事件，fields 为交替的字段名与值。
func AppendLowStock(ctx context.Context, rdb rd.Scripter, stream, productID, eventID string, maxLen int64, fields []string) (int64, string, error) {
	keys := []string{stream, LowStockSeqKey(productID), LowStockAppendedKey(eventID)}
	args := make([]any, 0, len(fields)+2)
	args = append(args, maxLen, int64(appendedMarkTTL/time.Second))
	for _, f := range fields {
		args = append(args, f)
	}
	res, err := rd.NewScript(luaAppendLowStock).Run(ctx, rdb, keys, args...).Slice()
	if err != nil {
		return 0, "", err
	}
	if len(res) != 2 {
		return 0, "", fmt.Errorf("append low stock: unexpected reply %v", res)
	}
	seq, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("append low stock: unexpected seq %T", res[0])
	}
	id, ok := res[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("append low stock: unexpected id %T", res[1])
	}
	return seq, id, nil
}
