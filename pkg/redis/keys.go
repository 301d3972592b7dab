package redis

import "fmt"

// ItemKey 商品库存计数器（JSON）。
func ItemKey(productID string) string {
	return fmt.Sprintf("inventory:item:%s", productID)
}

// ItemIndexKey 记录所有已登记商品，用于列表查询。
func ItemIndexKey() string {
	return "inventory:items"
}

// ReservationKey 预留记录（JSON）。
func ReservationKey(reservationID string) string {
	return fmt.Sprintf("inventory:reservation:%s", reservationID)
}

// HeldKey 把 (product, order) 映射到 HELD 状态的预留 id，幂等占位用。
func HeldKey(productID, orderID string) string {
	return fmt.Sprintf("inventory:held:%s:%s", productID, orderID)
}

// ExpiryIndexKey 有过期时间的 HELD 预留，score 为过期时间（毫秒）。
func ExpiryIndexKey() string {
	return "inventory:reservation:expiry"
}

// HistoryKey 商品库存流水（最新在前）。
func HistoryKey(productID string) string {
	return fmt.Sprintf("inventory:history:%s", productID)
}

// LowStockSeqKey 低库存事件的商品级序列号。
func LowStockSeqKey(productID string) string {
	return fmt.Sprintf("lowstock:seq:%s", productID)
}

// LowStockAppendedKey 标记某个 event_id 已经写入日志，重试追加直接返回原位置。
func LowStockAppendedKey(eventID string) string {
	return fmt.Sprintf("lowstock:appended:%s", eventID)
}

// SweepLockKey 过期清扫的单实例锁。
func SweepLockKey() string {
	return "inventory:sweep:lock"
}

// WorkerStateKey 后台 worker 心跳（hash）。
func WorkerStateKey(name string) string {
	return fmt.Sprintf("inventory:worker:%s", name)
}

// InboxChannel 用户站内信实时推送频道。
func InboxChannel(userID string) string {
	return fmt.Sprintf("notify:inbox:%s", userID)
}
