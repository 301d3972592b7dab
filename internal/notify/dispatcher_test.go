package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inventory_engine/internal/model"
	"inventory_engine/internal/queue"
	"inventory_engine/internal/testutil"
	rediskey "inventory_engine/pkg/redis"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeChannel struct {
	kind model.Channel
	fail func(call int) error

	mu    sync.Mutex
	calls int
	sent  []model.Notification
}

func (c *fakeChannel) Kind() model.Channel { return c.kind }

func (c *fakeChannel) Send(_ context.Context, n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		if err := c.fail(c.calls); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	db     *gorm.DB
	rdb    *rd.Client
	log    *queue.StreamLog
	bc     *queue.Broadcast
	email  *fakeChannel
	inApp  *fakeChannel
	cursor *CursorStore
	repo   *Repository
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewSQLite(t)
	_, rdb := testutil.NewRedis(t)
	f := &fixture{
		db:     db,
		rdb:    rdb,
		log:    queue.NewStreamLog(rdb, "test:low-stock", 0),
		bc:     queue.NewBroadcast(rdb, "test:low-stock:live"),
		email:  &fakeChannel{kind: model.ChannelEmail},
		inApp:  &fakeChannel{kind: model.ChannelInApp},
		cursor: NewCursorStore(db),
		repo:   NewRepository(db),
	}
	require.NoError(t, db.Create(&model.Recipient{UserID: "u1", Email: "u1@example.com", Name: "Ada"}).Error)
	require.NoError(t, db.Create(&model.Subscription{UserID: "u1", ProductID: "P"}).Error)
	require.NoError(t, db.Create(&[]model.NotificationPreference{
		{UserID: "u1", Channel: model.ChannelEmail, Enabled: true},
		{UserID: "u1", Channel: model.ChannelInApp, Enabled: true},
	}).Error)
	return f
}

func (f *fixture) dispatcher(dir Directory) *Dispatcher {
	if dir == nil {
		dir = NewGormDirectory(f.db)
	}
	return NewDispatcher(DispatcherConfig{
		Name:            "test-dispatcher",
		BatchSize:       10,
		Concurrency:     4,
		Block:           20 * time.Millisecond,
		SendTimeout:     time.Second,
		SendMaxAttempts: 3,
		PendingLease:    time.Minute,
		RetryPause:      10 * time.Millisecond,
		NewBackOff:      func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, DispatcherDeps{
		Log:      f.log,
		Live:     f.bc,
		Cursors:  f.cursor,
		Repo:     f.repo,
		Dir:      dir,
		Channels: []Channel{f.email, f.inApp},
		Redis:    f.rdb,
	}, zap.NewNop())
}

func (f *fixture) appendEvent(t *testing.T, productID string) model.LowStockEvent {
	t.Helper()
	ev, err := f.log.Append(context.Background(), model.LowStockEvent{
		EventID:      uuid.NewString(),
		ProductID:    productID,
		AvailableQty: 4,
		Threshold:    5,
		Direction:    model.CrossedBelow,
		EmittedAt:    time.Now().UTC(),
		Revision:     2,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) notifications(t *testing.T) map[model.Channel]model.Notification {
	t.Helper()
	var list []model.Notification
	require.NoError(t, f.db.Find(&list).Error)
	out := make(map[model.Channel]model.Notification, len(list))
	for _, n := range list {
		out[n.Channel] = n
	}
	return out
}

func TestDispatcher_ReplayIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	ctx := context.Background()
	ev := f.appendEvent(t, "P")

	require.NoError(t, d.HandleEvent(ctx, ev))
	require.NoError(t, d.HandleEvent(ctx, ev))

	entries, err := f.log.Read(ctx, "0", 10, 0)
	require.NoError(t, err)
	_, err = d.ProcessBatch(ctx, entries, "0")
	require.NoError(t, err)

	assert.Equal(t, 1, f.email.Calls())
	assert.Equal(t, 1, f.inApp.Calls())

	var count int64
	require.NoError(t, f.db.Model(&model.Notification{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Duplicates)
	assert.Equal(t, int64(2), st.Sent)
}

func TestDispatcher_ChannelsFailIndependently(t *testing.T) {
	f := newFixture(t)
	f.email.fail = func(int) error { return Permanentf("mailbox unavailable") }
	d := f.dispatcher(nil)

	require.NoError(t, d.HandleEvent(context.Background(), f.appendEvent(t, "P")))

	ns := f.notifications(t)
	assert.Equal(t, model.NotificationFailed, ns[model.ChannelEmail].Status)
	assert.Contains(t, ns[model.ChannelEmail].ErrorMsg, "mailbox unavailable")
	assert.Equal(t, 1, ns[model.ChannelEmail].Attempts, "permanent errors are not retried")
	assert.Equal(t, model.NotificationSent, ns[model.ChannelInApp].Status)
	assert.NotNil(t, ns[model.ChannelInApp].SentAt)
}

func TestDispatcher_TransientRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.email.fail = func(int) error { return Transient(errors.New("421 try later")) }
	d := f.dispatcher(nil)

	require.NoError(t, d.HandleEvent(context.Background(), f.appendEvent(t, "P")))

	ns := f.notifications(t)
	assert.Equal(t, 3, f.email.Calls())
	assert.Equal(t, model.NotificationFailed, ns[model.ChannelEmail].Status)
	assert.Equal(t, 3, ns[model.ChannelEmail].Attempts)
}

func TestDispatcher_TransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.email.fail = func(call int) error {
		if call < 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	d := f.dispatcher(nil)

	require.NoError(t, d.HandleEvent(context.Background(), f.appendEvent(t, "P")))

	ns := f.notifications(t)
	assert.Equal(t, model.NotificationSent, ns[model.ChannelEmail].Status)
	assert.Equal(t, 3, ns[model.ChannelEmail].Attempts)
	assert.Equal(t, "u1@example.com", ns[model.ChannelEmail].Address)
	assert.Contains(t, ns[model.ChannelEmail].Body, "Ada")
}

type failingDirectory struct {
	Directory
	bad string
}

func (d failingDirectory) Targets(ctx context.Context, productID string) ([]Target, error) {
	if productID == d.bad {
		return nil, errors.New("database is locked")
	}
	return d.Directory.Targets(ctx, productID)
}

func TestProcessBatch_CursorStopsBeforeFirstFailure(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(failingDirectory{Directory: NewGormDirectory(f.db), bad: "BAD"})
	ctx := context.Background()

	first := f.appendEvent(t, "P")
	f.appendEvent(t, "BAD")
	f.appendEvent(t, "P")

	entries, err := f.log.Read(ctx, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	next, err := d.ProcessBatch(ctx, entries, "0")
	assert.Error(t, err)
	assert.Equal(t, first.StreamID, next)
}

func TestProcessBatch_SkipsMalformedEntries(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	ctx := context.Background()

	require.NoError(t, f.rdb.XAdd(ctx, &rd.XAddArgs{Stream: f.log.Stream(), Values: map[string]any{"garbage": "1"}}).Err())
	good := f.appendEvent(t, "P")

	entries, err := f.log.Read(ctx, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Error(t, entries[0].Err)

	next, err := d.ProcessBatch(ctx, entries, "0")
	require.NoError(t, err)
	assert.Equal(t, good.StreamID, next)
	assert.Equal(t, 1, f.email.Calls())
}

func waitCursor(t *testing.T, cs *CursorStore, name, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := cs.Load(context.Background(), name)
		return err == nil && got == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RunResumesFromDurableCursor(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.appendEvent(t, "P")
	}
	head, err := f.log.Head(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d := f.dispatcher(nil)
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	waitCursor(t, f.cursor, "test-dispatcher", head)
	cancel()
	<-done
	assert.Equal(t, 3, f.email.Calls())

	// 重启：只处理新事件
	f.appendEvent(t, "P")
	last := f.appendEvent(t, "P")

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	d2 := f.dispatcher(nil)
	go func() { _ = d2.Run(ctx2) }()
	waitCursor(t, f.cursor, "test-dispatcher", last.StreamID)

	assert.Equal(t, 5, f.email.Calls())
	assert.Equal(t, 5, f.inApp.Calls())

	require.Eventually(t, func() bool {
		state, found, err := rediskey.GetWorkerState(context.Background(), f.rdb, "test-dispatcher")
		return err == nil && found && state["cursor"] == last.StreamID
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RunLive(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.RunLive(ctx) }()

	ev := model.LowStockEvent{
		EventID:      uuid.NewString(),
		ProductID:    "P",
		AvailableQty: 1,
		Threshold:    5,
		Direction:    model.CrossedBelow,
		EmittedAt:    time.Now().UTC(),
		Seq:          1,
	}
	// 订阅建立前发布的消息会丢失，循环发布直到被处理；重复由去重吸收
	require.Eventually(t, func() bool {
		_ = f.bc.Publish(context.Background(), ev)
		return f.email.Calls() == 1 && f.inApp.Calls() == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.email.Calls())
}

func TestDispatcher_SequenceGap(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	ctx := context.Background()
	ev := func(seq int64) model.LowStockEvent {
		return model.LowStockEvent{EventID: fmt.Sprintf("e-%d", seq), ProductID: "P", Direction: model.CrossedBelow, Seq: seq}
	}

	require.NoError(t, d.HandleEvent(ctx, ev(1)))
	require.NoError(t, d.HandleEvent(ctx, ev(3)))
	require.NoError(t, d.HandleEvent(ctx, ev(2)))

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Gaps)
	assert.Equal(t, int64(3), st.Processed)
	assert.NotNil(t, st.LastDispatchAt)
}

func TestDispatcher_MissingAdapterFails(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	delete(d.channels, model.ChannelInApp)

	require.NoError(t, d.HandleEvent(context.Background(), f.appendEvent(t, "P")))

	ns := f.notifications(t)
	assert.Equal(t, model.NotificationFailed, ns[model.ChannelInApp].Status)
	assert.Equal(t, model.NotificationSent, ns[model.ChannelEmail].Status)
}

// hangingChannel 一直阻塞到 ctx 取消，模拟关停时卡在发送中。
type hangingChannel struct {
	kind    model.Channel
	started chan struct{}
	once    sync.Once
}

func (c *hangingChannel) Kind() model.Channel { return c.kind }

func (c *hangingChannel) Send(ctx context.Context, _ model.Notification) error {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_RestartAfterCancelledSendDelivers(t *testing.T) {
	f := newFixture(t)
	ev := f.appendEvent(t, "P")

	hang := &hangingChannel{kind: model.ChannelEmail, started: make(chan struct{})}
	d1 := f.dispatcher(nil)
	d1.channels[model.ChannelEmail] = hang
	ctx1, cancel1 := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d1.Run(ctx1)
		close(done)
	}()
	select {
	case <-hang.started:
	case <-time.After(3 * time.Second):
		t.Fatal("send never started")
	}
	cancel1()
	<-done

	ns := f.notifications(t)
	assert.Equal(t, model.NotificationPending, ns[model.ChannelEmail].Status)
	pos, err := f.cursor.Load(context.Background(), "test-dispatcher")
	require.NoError(t, err)
	assert.Equal(t, "0", pos, "cursor holds on an unfinished event")

	// lease 内重启：不能当作重复跳过
	d2 := f.dispatcher(nil)
	err = d2.HandleEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrNotificationInFlight)
	assert.Zero(t, f.email.Calls())

	// lease 过期后接手并投递
	d2.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = d2.Run(ctx2) }()
	waitCursor(t, f.cursor, "test-dispatcher", ev.StreamID)

	ns = f.notifications(t)
	assert.Equal(t, model.NotificationSent, ns[model.ChannelEmail].Status)
	assert.Equal(t, model.NotificationSent, ns[model.ChannelInApp].Status)
	assert.Equal(t, 1, f.email.Calls())
}

type countingLog struct {
	EventLog
	mu    sync.Mutex
	reads int
}

func (l *countingLog) Read(ctx context.Context, after string, count int64, block time.Duration) ([]queue.Entry, error) {
	l.mu.Lock()
	l.reads++
	l.mu.Unlock()
	return l.EventLog.Read(ctx, after, count, block)
}

func (l *countingLog) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

func TestDispatcher_RunPausesOnEmptyReadWithoutBlock(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)
	counting := &countingLog{EventLog: f.log}
	d.log = counting
	d.cfg.Block = 0
	d.cfg.RetryPause = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	assert.Positive(t, counting.Reads())
	assert.LessOrEqual(t, counting.Reads(), 10, "empty reads must not spin")
}
