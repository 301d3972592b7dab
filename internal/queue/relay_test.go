package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"inventory_engine/internal/model"
	"inventory_engine/internal/testutil"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu   sync.Mutex
	err  error
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func TestProducer_PublishLowStock(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w)
	ev := lowStock("e1", "P", model.CrossedBelow)

	require.NoError(t, p.PublishLowStock(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "P", string(m.Key), "keyed by product for partition ordering")

	var got model.LowStockEvent
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, ev, got)

	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"event_id": "e1", "direction": "CROSSED_BELOW"}, headers)
}

func TestRelay_AcksAfterPublishAndKeepsEntries(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	l := NewStreamLog(rdb, testStream, 0)

	_, err := l.Append(ctx, lowStock("e1", "P", model.CrossedBelow))
	require.NoError(t, err)
	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{Stream: testStream, Values: []string{"junk", "1"}}).Err())
	_, err = l.Append(ctx, lowStock("e2", "P", model.RecoveredAbove))
	require.NoError(t, err)

	w := &fakeWriter{err: errors.New("kafka: leader not available")}
	relay := NewRelay(rdb, NewProducerWithWriter(w), testStream, "relay", "relay-1", zap.NewNop())
	require.NoError(t, relay.ensureGroup(ctx))
	require.NoError(t, relay.ensureGroup(ctx), "existing group is fine")

	done, err := relay.Step(ctx, -1)
	require.Error(t, err)
	assert.Zero(t, done)

	assert.Len(t, pendingIDs(t, rdb), 3, "nothing acked while kafka is down")

	w.setErr(nil)
	done, err = relay.Step(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, done)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "e1", headerValue(w.msgs[0], "event_id"))
	assert.Equal(t, "e2", headerValue(w.msgs[1], "event_id"))

	assert.Empty(t, pendingIDs(t, rdb))

	n, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "the log stays intact for other readers")

	done, err = relay.Step(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, done)
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func pendingIDs(t *testing.T, rdb *rd.Client) []string {
	t.Helper()
	list, err := rdb.XPendingExt(context.Background(), &rd.XPendingExtArgs{
		Stream: testStream,
		Group:  "relay",
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if errors.Is(err, rd.Nil) {
		return nil
	}
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	return ids
}
