package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"inventory_engine/internal/model"
	"inventory_engine/internal/queue"
	rediskey "inventory_engine/pkg/redis"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventLog 持久日志的读取端。
type EventLog interface {
	Read(ctx context.Context, after string, count int64, block time.Duration) ([]queue.Entry, error)
	Lag(ctx context.Context, after string) (int64, error)
}

// LiveSource 实时广播。
type LiveSource interface {
	Subscribe(ctx context.Context) (*rd.PubSub, error)
}

type DispatcherConfig struct {
	Name            string
	BatchSize       int
	Concurrency     int
	Block           time.Duration
	SendTimeout     time.Duration
	SendMaxAttempts int
	PendingLease    time.Duration
	RetryPause      time.Duration
	NewBackOff      func() backoff.BackOff
}

// Status 分发器运行状态。
type Status struct {
	Name           string     `json:"name"`
	Cursor         string     `json:"cursor"`
	Lag            int64      `json:"lag"`
	LastDispatchAt *time.Time `json:"last_dispatch_at,omitempty"`
	Processed      int64      `json:"processed"`
	Sent           int64      `json:"sent"`
	Duplicates     int64      `json:"duplicates"`
	Failed         int64      `json:"failed"`
	Gaps           int64      `json:"gaps"`
}

type Dispatcher struct {
	cfg      DispatcherConfig
	log      EventLog
	live     LiveSource
	cursors  *CursorStore
	repo     *Repository
	dir      Directory
	channels map[model.Channel]Channel
	rdb      *rd.Client
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	cursor       string
	lastDispatch time.Time
	lastSeq      map[string]int64

	processed  atomic.Int64
	sent       atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	gaps       atomic.Int64
}

type DispatcherDeps struct {
	Log      EventLog
	Live     LiveSource
	Cursors  *CursorStore
	Repo     *Repository
	Dir      Directory
	Channels []Channel
	// Redis 可选，用于写心跳
	Redis *rd.Client
	Now   func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendMaxAttempts <= 0 {
		cfg.SendMaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = time.Second
	}
	if cfg.PendingLease <= 0 {
		cfg.PendingLease = 5 * time.Minute
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		cfg:      cfg,
		log:      deps.Log,
		live:     deps.Live,
		cursors:  deps.Cursors,
		repo:     deps.Repo,
		dir:      deps.Dir,
		channels: make(map[model.Channel]Channel, len(deps.Channels)),
		rdb:      deps.Redis,
		logger:   logger.Named("dispatcher"),
		now:      now,
		cursor:   "0",
		lastSeq:  make(map[string]int64),
	}
	for _, ch := range deps.Channels {
		d.channels[ch.Kind()] = ch
	}
	return d
}

// Run 从持久游标开始追日志。批内并发处理，游标只推进到第一条失败之前。
func (d *Dispatcher) Run(ctx context.Context) error {
	cursor, err := d.loadCursor(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("dispatcher started", zap.String("cursor", cursor))

	for ctx.Err() == nil {
		entries, err := d.log.Read(ctx, cursor, int64(d.cfg.BatchSize), d.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("read event log", zap.String("cursor", cursor), zap.Error(err))
			d.pause(ctx)
			continue
		}
		if len(entries) == 0 {
			d.heartbeat(ctx)
			if d.cfg.Block <= 0 {
				d.pause(ctx)
			}
			continue
		}

		next, batchErr := d.ProcessBatch(ctx, entries, cursor)
		if next != cursor {
			if err := d.cursors.Save(ctx, d.cfg.Name, next); err != nil {
				// 内存游标照常前进，下次保存时补上；崩溃只会导致重投，由去重吸收
				d.logger.Warn("save cursor", zap.String("cursor", next), zap.Error(err))
			}
			cursor = next
			d.setCursor(next)
		}
		d.heartbeat(ctx)
		if batchErr != nil {
			d.logger.Warn("batch stopped at failed event", zap.String("cursor", cursor), zap.Error(batchErr))
			d.pause(ctx)
		}
	}
	return nil
}

func (d *Dispatcher) loadCursor(ctx context.Context) (string, error) {
	for {
		cursor, err := d.cursors.Load(ctx, d.cfg.Name)
		if err == nil {
			d.setCursor(cursor)
			return cursor, nil
		}
		d.logger.Warn("load cursor", zap.Error(err))
		d.pause(ctx)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
}

// ProcessBatch 并发处理一批条目，返回可以提交的新游标和第一条失败的原因。
func (d *Dispatcher) ProcessBatch(ctx context.Context, entries []queue.Entry, cursor string) (string, error) {
	errs := make([]error, len(entries))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			if entry.Err != nil {
				d.logger.Warn("skip malformed log entry", zap.String("stream_id", entry.ID), zap.Error(entry.Err))
				return nil
			}
			errs[i] = d.HandleEvent(ctx, entry.Event)
			return nil
		})
	}
	_ = g.Wait()

	next := cursor
	for i, entry := range entries {
		if errs[i] != nil {
			return next, fmt.Errorf("event %s at %s: %w", entry.Event.EventID, entry.ID, errs[i])
		}
		next = entry.ID
	}
	return next, nil
}

// RunLive 订阅实时广播，收到即处理。与 Run 重复处理的事件由去重吸收。
func (d *Dispatcher) RunLive(ctx context.Context) error {
	if d.live == nil {
		return nil
	}
	for ctx.Err() == nil {
		ps, err := d.live.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("subscribe low stock broadcast", zap.Error(err))
			d.pause(ctx)
			continue
		}
		d.consumeLive(ctx, ps)
		_ = ps.Close()
	}
	return nil
}

func (d *Dispatcher) consumeLive(ctx context.Context, ps *rd.PubSub) {
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	defer func() { _ = g.Wait() }()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := queue.DecodeBroadcast(msg)
			if err != nil {
				d.logger.Warn("drop malformed broadcast", zap.Error(err))
				continue
			}
			g.Go(func() error {
				if err := d.HandleEvent(ctx, ev); err != nil && !errors.Is(err, ErrNotificationInFlight) {
					// 日志追读会再处理一次
					d.logger.Warn("live dispatch", zap.String("event_id", ev.EventID), zap.Error(err))
				}
				return nil
			})
		}
	}
}

// HandleEvent 解析接收人并对每个 (用户, 渠道) 独立并发投递。
// 只有基础设施故障（查询订阅、写通知记录）返回错误；投递失败记录在通知上。
func (d *Dispatcher) HandleEvent(ctx context.Context, ev model.LowStockEvent) error {
	d.trackSeq(ev)

	targets, err := d.dir.Targets(ctx, ev.ProductID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error { return d.deliver(ctx, ev, t) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.processed.Add(1)
	d.mu.Lock()
	d.lastDispatch = d.now().UTC()
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.LowStockEvent, t Target) error {
	now := d.now().UTC()
	subject, body := render(ev, t)
	n := &model.Notification{
		ID:        uuid.NewString(),
		EventID:   ev.EventID,
		UserID:    t.UserID,
		Channel:   t.Channel,
		ProductID: ev.ProductID,
		Address:   address(t),
		Subject:   subject,
		Body:      body,
		Status:    model.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	claimed, err := d.repo.Claim(ctx, n, d.cfg.PendingLease, now)
	if err != nil {
		// 含 ErrNotificationInFlight：结果未定，不能算作重复，游标停在此处等 lease 过期
		return fmt.Errorf("claim notification %s/%s/%s: %w", ev.EventID, t.UserID, t.Channel, err)
	}
	if !claimed {
		d.duplicates.Add(1)
		return nil
	}

	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("event_id", ev.EventID),
		zap.String("user_id", t.UserID),
		zap.String("channel", string(t.Channel)),
	}

	ch, ok := d.channels[t.Channel]
	if !ok {
		d.failed.Add(1)
		d.logger.Error("no adapter for channel", fields...)
		return d.repo.MarkFailed(ctx, n.ID, 0, fmt.Errorf("channel %s not configured", t.Channel), d.now().UTC())
	}

	attempts, sendErr := d.send(ctx, ch, *n)
	if ctx.Err() != nil {
		// 关停中：保持 PENDING，lease 过期后由下一次处理接手
		return ctx.Err()
	}
	if sendErr != nil {
		d.failed.Add(1)
		d.logger.Error("notification failed", append(fields, zap.Int("attempts", attempts), zap.Error(sendErr))...)
		return d.repo.MarkFailed(ctx, n.ID, attempts, sendErr, d.now().UTC())
	}
	d.sent.Add(1)
	d.logger.Info("notification sent", append(fields, zap.Int("attempts", attempts))...)
	return d.repo.MarkSent(ctx, n.ID, attempts, d.now().UTC())
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, n model.Notification) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		err := ch.Send(sendCtx, n)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.cfg.NewBackOff(), uint64(d.cfg.SendMaxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	return attempts, err
}

func (d *Dispatcher) trackSeq(ev model.LowStockEvent) {
	if ev.Seq <= 0 {
		return
	}
	d.mu.Lock()
	last := d.lastSeq[ev.ProductID]
	if ev.Seq > last {
		d.lastSeq[ev.ProductID] = ev.Seq
	}
	d.mu.Unlock()

	if last > 0 && ev.Seq > last+1 {
		d.gaps.Add(1)
		d.logger.Warn("low stock sequence gap",
			zap.String("product_id", ev.ProductID),
			zap.Int64("last_seq", last),
			zap.Int64("seq", ev.Seq),
		)
	}
}

// Status 当前状态，lag 实时查询日志。
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	st := Status{
		Name:   d.cfg.Name,
		Cursor: d.cursor,
	}
	if !d.lastDispatch.IsZero() {
		t := d.lastDispatch
		st.LastDispatchAt = &t
	}
	d.mu.Unlock()
	st.Processed = d.processed.Load()
	st.Sent = d.sent.Load()
	st.Duplicates = d.duplicates.Load()
	st.Failed = d.failed.Load()
	st.Gaps = d.gaps.Load()

	lag, err := d.log.Lag(ctx, st.Cursor)
	if err != nil {
		return st, err
	}
	st.Lag = lag
	return st, nil
}

func (d *Dispatcher) setCursor(c string) {
	d.mu.Lock()
	d.cursor = c
	d.mu.Unlock()
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	if d.rdb == nil {
		return
	}
	st, err := d.Status(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	fields := map[string]string{
		"cursor":     st.Cursor,
		"lag":        strconv.FormatInt(st.Lag, 10),
		"processed":  strconv.FormatInt(st.Processed, 10),
		"sent":       strconv.FormatInt(st.Sent, 10),
		"duplicates": strconv.FormatInt(st.Duplicates, 10),
		"failed":     strconv.FormatInt(st.Failed, 10),
		"updated_at": d.now().UTC().Format(time.RFC3339Nano),
	}
	if st.LastDispatchAt != nil {
		fields["last_dispatch_at"] = st.LastDispatchAt.Format(time.RFC3339Nano)
	}
	ttl := 3*d.cfg.Block + 30*time.Second
	if err := rediskey.PutWorkerState(ctx, d.rdb, d.cfg.Name, fields, ttl); err != nil {
		d.logger.Debug("write heartbeat", zap.Error(err))
	}
}

func (d *Dispatcher) pause(ctx context.Context) {
	t := time.NewTimer(d.cfg.RetryPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func address(t Target) string {
	if t.Channel == model.ChannelEmail {
		return t.Email
	}
	return t.UserID
}

func render(ev model.LowStockEvent, t Target) (string, string) {
	name := t.Name
	if name == "" {
		name = t.UserID
	}
	if ev.Direction == model.RecoveredAbove {
		return fmt.Sprintf("Stock recovered: %s", ev.ProductID),
			fmt.Sprintf("Hi %s,\n\nProduct %s is back at or above its reorder threshold.\nAvailable quantity: %d\nReorder threshold: %d\n",
				name, ev.ProductID, ev.AvailableQty, ev.Threshold)
	}
	return fmt.Sprintf("Low stock alert: %s", ev.ProductID),
		fmt.Sprintf("Hi %s,\n\nProduct %s is running low on stock and needs replenishment.\nAvailable quantity: %d\nReorder threshold: %d\n",
			name, ev.ProductID, ev.AvailableQty, ev.Threshold)
}
