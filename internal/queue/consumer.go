package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"inventory_engine/internal/model"
	"inventory_engine/internal/reservation"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const EventProductCreated = "product.created"

// ProductEvent 商品服务发出的事件信封。
type ProductEvent struct {
	Metadata struct {
		EventType string `json:"event_type"`
		EventID   string `json:"event_id"`
	} `json:"metadata"`
	Data struct {
		ProductID        flexibleID `json:"product_id"`
		Name             string     `json:"name"`
		InitialQuantity  int64      `json:"initial_quantity"`
		ReorderThreshold *int64     `json:"reorder_threshold"`
	} `json:"data"`
}

// flexibleID 兼容字符串和数字两种 product_id。
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexibleID(v)
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("invalid product_id %s", s)
	}
	*f = flexibleID(s)
	return nil
}

// StockRegistrar 预留引擎的登记入口。
type StockRegistrar interface {
	RegisterStock(ctx context.Context, productID string, quantity, threshold int64) (model.InventoryItem, error)
}

// MessageReader kafka.Reader 的最小子集，测试里可替换。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费商品事件，product.created 时登记初始库存。
type Consumer struct {
	r                MessageReader
	registrar        StockRegistrar
	defaultThreshold int64
	newBackOff       func() backoff.BackOff
	log              *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, registrar StockRegistrar, defaultThreshold int64, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		registrar:        registrar,
		defaultThreshold: defaultThreshold,
		newBackOff:       defaultConsumerBackOff,
		log:              log.Named("product-consumer"),
	}
}

func defaultConsumerBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 逐条处理并提交 offset。提交按分区位置生效，失败的消息原地重试直到成功或 ctx 结束，
// 不能越过它去提交后面的消息。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.handleWithRetry(ctx, m); err != nil {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn("commit offset", zap.Error(err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, m kafka.Message) error {
	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = defaultConsumerBackOff
	}
	op := func() error { return c.HandleMessage(ctx, m.Value) }
	notify := func(err error, wait time.Duration) {
		c.log.Error("handle product event",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(newBackOff(), ctx), notify)
}

// HandleMessage 返回 nil 表示消息可以提交。
func (c *Consumer) HandleMessage(ctx context.Context, value []byte) error {
	var ev ProductEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		// 脏消息重投也不会变好，记录后跳过
		c.log.Warn("drop malformed product event", zap.Error(err))
		return nil
	}

	switch ev.Metadata.EventType {
	case EventProductCreated:
		return c.handleCreated(ctx, ev)
	default:
		c.log.Debug("skip product event",
			zap.String("event_type", ev.Metadata.EventType),
			zap.String("event_id", ev.Metadata.EventID),
		)
		return nil
	}
}

func (c *Consumer) handleCreated(ctx context.Context, ev ProductEvent) error {
	productID := string(ev.Data.ProductID)
	if productID == "" {
		c.log.Warn("product.created without product_id", zap.String("event_id", ev.Metadata.EventID))
		return nil
	}
	threshold := c.defaultThreshold
	if ev.Data.ReorderThreshold != nil {
		threshold = *ev.Data.ReorderThreshold
	}

	_, err := c.registrar.RegisterStock(ctx, productID, ev.Data.InitialQuantity, threshold)
	switch {
	case err == nil:
		c.log.Info("stock registered from product event",
			zap.String("product_id", productID),
			zap.Int64("quantity", ev.Data.InitialQuantity),
			zap.Int64("threshold", threshold),
		)
		return nil
	case errors.Is(err, reservation.ErrAlreadyRegistered):
		// 幂等：重复投递的 product.created 当作成功
		return nil
	case errors.Is(err, reservation.ErrInvalidArgument):
		c.log.Warn("invalid product.created", zap.String("product_id", productID), zap.Error(err))
		return nil
	default:
		return err
	}
}
