package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"inventory_engine/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// Broadcast 低库存事件的实时广播（Pub/Sub），只降低延迟，不保证送达。
type Broadcast struct {
	rdb     *rd.Client
	channel string
}

func NewBroadcast(rdb *rd.Client, channel string) *Broadcast {
	return &Broadcast{rdb: rdb, channel: channel}
}

func (b *Broadcast) Publish(ctx context.Context, ev model.LowStockEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe 订阅并等待服务端确认，返回后发布的消息都能收到。
func (b *Broadcast) Subscribe(ctx context.Context) (*rd.PubSub, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return ps, nil
}

// DecodeBroadcast 解析一条广播消息。
func DecodeBroadcast(msg *rd.Message) (model.LowStockEvent, error) {
	var ev model.LowStockEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return model.LowStockEvent{}, fmt.Errorf("decode broadcast: %w", err)
	}
	if err := ValidateLowStock(ev); err != nil {
		return model.LowStockEvent{}, err
	}
	return ev, nil
}
