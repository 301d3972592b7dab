package queue

import (
	"context"
	"errors"
	"time"

	"inventory_engine/internal/model"
	rediskey "inventory_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// lagCap Lag 最多数到这里，避免超长积压时全量扫描。
const lagCap = 10000

// StreamLog 低库存事件的持久日志（Redis Stream）。
// 追加只由发布端执行；读取方各自维护游标。
type StreamLog struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamLog(rdb *rd.Client, stream string, maxLen int64) *StreamLog {
	return &StreamLog{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (l *StreamLog) Stream() string { return l.stream }

// Entry 读到的一条日志。Err 非空表示条目损坏，调用方跳过即可。
type Entry struct {
	ID    string
	Event model.LowStockEvent
	Err   error
}

// Append 写入事件并回填 seq 与 stream id。同一 event_id 重复追加返回第一次的位置。
func (l *StreamLog) Append(ctx context.Context, ev model.LowStockEvent) (model.LowStockEvent, error) {
	if err := ValidateLowStock(ev); err != nil {
		return model.LowStockEvent{}, err
	}
	seq, id, err := rediskey.AppendLowStock(ctx, l.rdb, l.stream, ev.ProductID, ev.EventID, l.maxLen, lowStockFields(ev))
	if err != nil {
		return model.LowStockEvent{}, err
	}
	ev.Seq = seq
	ev.StreamID = id
	return ev, nil
}

// Read 读取 after 之后（不含）的条目。block <= 0 时不阻塞。
func (l *StreamLog) Read(ctx context.Context, after string, count int64, block time.Duration) ([]Entry, error) {
	if after == "" {
		after = "0"
	}
	if block <= 0 {
		block = -1
	}
	streams, err := l.rdb.XRead(ctx, &rd.XReadArgs{
		Streams: []string{l.stream, after},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, s := range streams {
		for _, xm := range s.Messages {
			ev, err := ParseLowStock(xm)
			out = append(out, Entry{ID: xm.ID, Event: ev, Err: err})
		}
	}
	return out, nil
}

// Lag 游标之后还有多少条，最多数到 lagCap。
func (l *StreamLog) Lag(ctx context.Context, after string) (int64, error) {
	if after == "" || after == "0" {
		return l.rdb.XLen(ctx, l.stream).Result()
	}
	msgs, err := l.rdb.XRangeN(ctx, l.stream, after, "+", lagCap+1).Result()
	if err != nil {
		return 0, err
	}
	n := int64(len(msgs))
	if n > 0 && msgs[0].ID == after {
		n--
	}
	if n > lagCap {
		n = lagCap
	}
	return n, nil
}

// Head 最新条目的 id，空日志返回 ""。
func (l *StreamLog) Head(ctx context.Context) (string, error) {
	msgs, err := l.rdb.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}
