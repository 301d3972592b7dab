package queue

import (
	"context"
	"encoding/json"
	"time"

	"inventory_engine/internal/model"

	"github.com/segmentio/kafka-go"
)

// MessageWriter kafka.Writer 的最小子集，测试里可替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 封装 Kafka 写入器。
type Producer struct {
	w MessageWriter
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一商品的事件落到同一分区，分区内保持商品级顺序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// PublishLowStock 同步写入一条低库存事件，商品 id 作为 key。
func (p *Producer) PublishLowStock(ctx context.Context, ev model.LowStockEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ProductID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "direction", Value: []byte(ev.Direction)},
		},
	})
}
