// Package lowstock 判断阈值穿越并把低库存事件可靠地写入事件日志。
package lowstock

import (
	"time"

	"inventory_engine/internal/model"

	"github.com/google/uuid"
)

// Detect 对比一次变更前后的可售量。低 = 严格小于阈值。
func Detect(before, after, threshold int64) (model.Direction, bool) {
	return detect(before, threshold, after, threshold)
}

func detect(before, beforeThreshold, after, afterThreshold int64) (model.Direction, bool) {
	wasLow := before < beforeThreshold
	isLow := after < afterThreshold
	switch {
	case !wasLow && isLow:
		return model.CrossedBelow, true
	case wasLow && !isLow:
		return model.RecoveredAbove, true
	default:
		return "", false
	}
}

// Evaluate 对商品快照应用同样的规则，前后可以是不同的阈值（调整阈值时）。
// 有穿越时返回待发布事件，revision 取变更后的版本号。
func Evaluate(before, after model.InventoryItem, now time.Time) (model.LowStockEvent, bool) {
	dir, ok := detect(before.AvailableQty, before.ReorderThreshold, after.AvailableQty, after.ReorderThreshold)
	if !ok {
		return model.LowStockEvent{}, false
	}
	return model.LowStockEvent{
		EventID:      uuid.NewString(),
		ProductID:    after.ProductID,
		AvailableQty: after.AvailableQty,
		Threshold:    after.ReorderThreshold,
		Direction:    dir,
		EmittedAt:    now.UTC(),
		Revision:     after.Version,
	}, true
}
