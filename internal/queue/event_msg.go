package queue

import (
	"fmt"
	"strconv"
	"time"

	"inventory_engine/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// ValidateLowStock 做最小字段校验，防止下游处理脏事件。
func ValidateLowStock(ev model.LowStockEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.ProductID == "" {
		return fmt.Errorf("product_id is required")
	}
	switch ev.Direction {
	case model.CrossedBelow, model.RecoveredAbove:
	default:
		return fmt.Errorf("invalid direction %q", ev.Direction)
	}
	if ev.Threshold < 0 {
		return fmt.Errorf("threshold must be >= 0")
	}
	return nil
}

// lowStockFields 事件展开成 Stream 字段，seq 由追加脚本补上。
func lowStockFields(ev model.LowStockEvent) []string {
	return []string{
		"event_id", ev.EventID,
		"product_id", ev.ProductID,
		"available_qty", strconv.FormatInt(ev.AvailableQty, 10),
		"threshold", strconv.FormatInt(ev.Threshold, 10),
		"direction", string(ev.Direction),
		"emitted_at", ev.EmittedAt.UTC().Format(time.RFC3339Nano),
		"revision", strconv.FormatInt(ev.Revision, 10),
	}
}

// ParseLowStock 从 Stream 条目还原事件。
func ParseLowStock(xm rd.XMessage) (model.LowStockEvent, error) {
	values := xm.Values
	var ev model.LowStockEvent
	var err error

	if ev.EventID, err = getStreamString(values, "event_id"); err != nil {
		return model.LowStockEvent{}, err
	}
	if ev.ProductID, err = getStreamString(values, "product_id"); err != nil {
		return model.LowStockEvent{}, err
	}
	direction, err := getStreamString(values, "direction")
	if err != nil {
		return model.LowStockEvent{}, err
	}
	ev.Direction = model.Direction(direction)

	ints := map[string]*int64{
		"available_qty": &ev.AvailableQty,
		"threshold":     &ev.Threshold,
		"revision":      &ev.Revision,
		"seq":           &ev.Seq,
	}
	for key, dst := range ints {
		s, err := getStreamString(values, key)
		if err != nil {
			return model.LowStockEvent{}, err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return model.LowStockEvent{}, fmt.Errorf("invalid %s %q", key, s)
		}
		*dst = n
	}

	emitted, err := getStreamString(values, "emitted_at")
	if err != nil {
		return model.LowStockEvent{}, err
	}
	if ev.EmittedAt, err = time.Parse(time.RFC3339Nano, emitted); err != nil {
		return model.LowStockEvent{}, fmt.Errorf("invalid emitted_at %q", emitted)
	}
	ev.StreamID = xm.ID

	if err := ValidateLowStock(ev); err != nil {
		return model.LowStockEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
