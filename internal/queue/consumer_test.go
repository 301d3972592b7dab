package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inventory_engine/internal/model"
	"inventory_engine/internal/reservation"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) RegisterStock(ctx context.Context, productID string, quantity, threshold int64) (model.InventoryItem, error) {
	args := m.Called(ctx, productID, quantity, threshold)
	return args.Get(0).(model.InventoryItem), args.Error(1)
}

func newTestConsumer(reg StockRegistrar) *Consumer {
	return &Consumer{registrar: reg, defaultThreshold: 5, log: zap.NewNop()}
}

func TestConsumer_RegistersCreatedProducts(t *testing.T) {
	reg := new(mockRegistrar)
	reg.On("RegisterStock", mock.Anything, "42", int64(100), int64(5)).
		Return(model.InventoryItem{ProductID: "42"}, nil).Once()
	reg.On("RegisterStock", mock.Anything, "sku-1", int64(7), int64(2)).
		Return(model.InventoryItem{ProductID: "sku-1"}, nil).Once()
	c := newTestConsumer(reg)
	ctx := context.Background()

	// 数字 id，使用默认阈值
	require.NoError(t, c.HandleMessage(ctx, []byte(`{
		"metadata": {"event_type": "product.created", "event_id": "m1"},
		"data": {"product_id": 42, "name": "Widget", "initial_quantity": 100}
	}`)))
	require.NoError(t, c.HandleMessage(ctx, []byte(`{
		"metadata": {"event_type": "product.created", "event_id": "m2"},
		"data": {"product_id": "sku-1", "initial_quantity": 7, "reorder_threshold": 2}
	}`)))

	reg.AssertExpectations(t)
}

func TestConsumer_SkipsWhatRedeliveryCannotFix(t *testing.T) {
	reg := new(mockRegistrar)
	reg.On("RegisterStock", mock.Anything, "dup", int64(1), int64(5)).
		Return(model.InventoryItem{}, fmt.Errorf("%w: dup", reservation.ErrAlreadyRegistered)).Once()
	reg.On("RegisterStock", mock.Anything, "neg", int64(-1), int64(5)).
		Return(model.InventoryItem{}, fmt.Errorf("%w: quantity", reservation.ErrInvalidArgument)).Once()
	c := newTestConsumer(reg)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"metadata":`},
		{"other event type", `{"metadata":{"event_type":"product.updated"},"data":{"product_id":"x"}}`},
		{"missing product id", `{"metadata":{"event_type":"product.created"},"data":{"initial_quantity":3}}`},
		{"already registered", `{"metadata":{"event_type":"product.created"},"data":{"product_id":"dup","initial_quantity":1}}`},
		{"invalid quantity", `{"metadata":{"event_type":"product.created"},"data":{"product_id":"neg","initial_quantity":-1}}`},
		{"non numeric id", `{"metadata":{"event_type":"product.created"},"data":{"product_id":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, c.HandleMessage(ctx, []byte(tt.body)))
		})
	}
	reg.AssertExpectations(t)
}

func TestConsumer_StoreErrorsAreRetried(t *testing.T) {
	reg := new(mockRegistrar)
	reg.On("RegisterStock", mock.Anything, "p", int64(3), int64(5)).
		Return(model.InventoryItem{}, fmt.Errorf("%w: redis down", reservation.ErrStoreUnavailable)).Once()
	c := newTestConsumer(reg)

	err := c.HandleMessage(context.Background(),
		[]byte(`{"metadata":{"event_type":"product.created"},"data":{"product_id":"p","initial_quantity":3}}`))
	assert.True(t, errors.Is(err, reservation.ErrStoreUnavailable), "offset must not be committed")
	reg.AssertExpectations(t)
}

// fakeReader 依次返回预置消息，取完后阻塞到 ctx 结束。
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetched   []int64
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.fetched = append(r.fetched, m.Offset)
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func created(offset int64, productID string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value:  []byte(fmt.Sprintf(`{"metadata":{"event_type":"product.created"},"data":{"product_id":%q,"initial_quantity":3}}`, productID)),
	}
}

func TestConsumer_RunRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	reg := new(mockRegistrar)
	reg.On("RegisterStock", mock.Anything, "a", int64(3), int64(5)).
		Return(model.InventoryItem{}, fmt.Errorf("%w: redis down", reservation.ErrStoreUnavailable)).Twice()
	reg.On("RegisterStock", mock.Anything, "a", int64(3), int64(5)).
		Return(model.InventoryItem{ProductID: "a"}, nil).Once()
	reg.On("RegisterStock", mock.Anything, "b", int64(3), int64(5)).
		Return(model.InventoryItem{ProductID: "b"}, nil).Once()

	r := &fakeReader{msgs: []kafka.Message{created(10, "a"), created(11, "b")}}
	c := newTestConsumer(reg)
	c.r = r
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(r.Committed()) == 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{10, 11}, r.Committed())
	r.mu.Lock()
	assert.Equal(t, []int64{10, 11}, r.fetched, "the failed message is retried in place, not refetched")
	r.mu.Unlock()
	reg.AssertExpectations(t)
}

func TestConsumer_RunStopsWithoutCommitOnCancel(t *testing.T) {
	reg := new(mockRegistrar)
	reg.On("RegisterStock", mock.Anything, "a", int64(3), int64(5)).
		Return(model.InventoryItem{}, fmt.Errorf("%w: redis down", reservation.ErrStoreUnavailable))

	r := &fakeReader{msgs: []kafka.Message{created(10, "a"), created(11, "b")}}
	c := newTestConsumer(reg)
	c.r = r
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Empty(t, r.Committed(), "nothing past the failing message is committed")
	reg.AssertNotCalled(t, "RegisterStock", mock.Anything, "b", mock.Anything, mock.Anything)
}
