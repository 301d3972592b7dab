package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// Apply 结果。
const (
	ApplyOK       = "OK"
	ApplyConflict = "CONFLICT"
	ApplyNotFound = "NOT_FOUND"
)

// luaApplyInventory 库存 + 预留的原子比较并更新（CAS）。
// KEYS[1]=item KEYS[2]=reservation KEYS[3]=held KEYS[4]=expiry 索引 KEYS[5]=history KEYS[6]=item 索引
// ARGV[1]=期望 item 版本（0 表示新建） ARGV[2]=新 item JSON ARGV[3]=product_id
// ARGV[4]=期望预留版本（-1 不改预留，0 新建） ARGV[5]=新预留 JSON ARGV[6]=预留 id
// ARGV[7]=held 操作（set/del） ARGV[8]=过期 score（空串表示移出索引）
// ARGV[9]=流水 JSON（空串不写） ARGV[10]=流水保留条数
const luaApplyInventory = `
local cur = redis.call('GET', KEYS[1])
local expItem = tonumber(ARGV[1])
if expItem == 0 then
  if cur then return 'CONFLICT' end
else
  if not cur then return 'NOT_FOUND' end
  if cjson.decode(cur)['version'] ~= expItem then return 'CONFLICT' end
end

local expRes = tonumber(ARGV[4])
if expRes == 0 then
  if redis.call('EXISTS', KEYS[2]) == 1 then return 'CONFLICT' end
  if redis.call('EXISTS', KEYS[3]) == 1 then return 'CONFLICT' end
elseif expRes > 0 then
  local r = redis.call('GET', KEYS[2])
  if not r then return 'NOT_FOUND' end
  if cjson.decode(r)['version'] ~= expRes then return 'CONFLICT' end
end

redis.call('SET', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[6], ARGV[3])

if expRes >= 0 then
  redis.call('SET', KEYS[2], ARGV[5])
  if ARGV[7] == 'set' then
    redis.call('SET', KEYS[3], ARGV[6])
  else
    redis.call('DEL', KEYS[3])
  end
  if ARGV[8] ~= '' then
    redis.call('ZADD', KEYS[4], ARGV[8], ARGV[6])
  else
    redis.call('ZREM', KEYS[4], ARGV[6])
  end
end

if ARGV[9] ~= '' then
  redis.call('LPUSH', KEYS[5], ARGV[9])
  redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[10]) - 1)
end
return 'OK'
`

// ApplyArgs 一次 CAS 需要的全部参数。ReservationVersion = -1 表示本次不涉及预留。
type ApplyArgs struct {
	ProductID       string
	ItemVersion     int64
	ItemJSON        string
	ReservationID   string
	ReservationVer  int64
	ReservationJSON string
	OrderID         string
	Held            bool
	ExpiryScore     string
	HistoryJSON     string
	HistoryCap      int64
}

// ApplyInventory 执行 CAS，返回 ApplyOK / ApplyConflict / ApplyNotFound。
func ApplyInventory(ctx context.Context, rdb rd.Scripter, a ApplyArgs) (string, error) {
	resKey, heldKey := ReservationKey("_"), HeldKey(a.ProductID, "_")
	if a.ReservationVer >= 0 {
		resKey = ReservationKey(a.ReservationID)
		heldKey = HeldKey(a.ProductID, a.OrderID)
	}
	heldOp := "del"
	if a.Held {
		heldOp = "set"
	}
	keys := []string{ItemKey(a.ProductID), resKey, heldKey, ExpiryIndexKey(), HistoryKey(a.ProductID), ItemIndexKey()}
	return rd.NewScript(luaApplyInventory).Run(ctx, rdb, keys,
		a.ItemVersion, a.ItemJSON, a.ProductID,
		a.ReservationVer, a.ReservationJSON, a.ReservationID,
		heldOp, a.ExpiryScore,
		a.HistoryJSON, a.HistoryCap,
	).Text()
}
