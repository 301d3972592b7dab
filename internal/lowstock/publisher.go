package lowstock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"inventory_engine/internal/model"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrPublisherStopped = errors.New("lowstock: publisher stopped")
	ErrQueueFull        = errors.New("lowstock: publish queue full")
)

// Appender 持久事件日志。
type Appender interface {
	Append(ctx context.Context, ev model.LowStockEvent) (model.LowStockEvent, error)
}

// Broadcaster 尽力而为的实时推送。
type Broadcaster interface {
	Publish(ctx context.Context, ev model.LowStockEvent) error
}

// DeadLetters 追加重试耗尽后的落点。
type DeadLetters interface {
	Save(ctx context.Context, ev model.LowStockEvent, cause error, attempts int) error
	List(ctx context.Context, limit int) ([]model.UndeliveredEvent, error)
	Delete(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
}

type PublisherConfig struct {
	Shards      int
	QueueSize   int
	MaxAttempts int
	// NewBackOff 每次发布新建一个退避策略，nil 使用指数退避。
	NewBackOff func() backoff.BackOff
}

// Publisher 把检测到的事件异步写入日志。
// 按商品 id 哈希分片，单分片单 worker，同一商品的事件保持提交顺序。
type Publisher struct {
	appender Appender
	bc       Broadcaster
	dead     DeadLetters
	log      *zap.Logger
	cfg      PublisherConfig

	mu      sync.RWMutex
	stopped bool
	shards  []chan model.LowStockEvent
	backlog atomic.Int64
	wg      sync.WaitGroup

	// Submit 拒收的事件由单独的 goroutine 写死信，Submit 本身不碰数据库
	rejected   chan rejection
	rejectDone chan struct{}
	rejectShut bool

	cancel context.CancelFunc
}

type rejection struct {
	ev    model.LowStockEvent
	cause error
}

func NewPublisher(appender Appender, bc Broadcaster, dead DeadLetters, cfg PublisherConfig, log *zap.Logger) *Publisher {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	p := &Publisher{
		appender: appender,
		bc:       bc,
		dead:     dead,
		log:      log.Named("lowstock-publisher"),
		cfg:      cfg,
		shards:   make([]chan model.LowStockEvent, cfg.Shards),
	}
	for i := range p.shards {
		p.shards[i] = make(chan model.LowStockEvent, cfg.QueueSize)
	}
	p.rejected = make(chan rejection, cfg.QueueSize)
	p.rejectDone = make(chan struct{})
	go p.saveRejected()
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start 启动分片 worker。ctx 取消后正在重试的发布会放弃并转为死信。
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, ch := range p.shards {
		p.wg.Add(1)
		go func(shard int, ch <-chan model.LowStockEvent) {
			defer p.wg.Done()
			for ev := range ch {
				p.backlog.Add(-1)
				_ = p.Publish(ctx, ev)
			}
			p.log.Debug("publisher shard drained", zap.Int("shard", shard))
		}(i, ch)
	}
}

// Submit 非阻塞入队。队列满或已停止时事件转入死信，并返回对应错误。
// 调用方持有商品锁，这里只做 channel 操作：死信异步写入，死信队列也满时只记日志。
func (p *Publisher) Submit(ev model.LowStockEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.reject(ev, ErrPublisherStopped)
		return ErrPublisherStopped
	}
	select {
	case p.shards[p.shardFor(ev.ProductID)] <- ev:
		p.backlog.Add(1)
		return nil
	default:
		p.reject(ev, ErrQueueFull)
		return ErrQueueFull
	}
}

// reject 需持有 p.mu（读锁即可）。
func (p *Publisher) reject(ev model.LowStockEvent, cause error) {
	if !p.rejectShut {
		select {
		case p.rejected <- rejection{ev: ev, cause: cause}:
			return
		default:
		}
	}
	p.logUndelivered(ev, cause, 0)
	p.log.Error("dead letter dropped, event only logged", zap.String("event_id", ev.EventID))
}

func (p *Publisher) saveRejected() {
	defer close(p.rejectDone)
	for r := range p.rejected {
		p.deadLetter(context.Background(), r.ev, r.cause, 0)
	}
}

// Publish 追加到日志（带退避重试），成功后广播。重试耗尽的事件进入死信。
func (p *Publisher) Publish(ctx context.Context, ev model.LowStockEvent) error {
	appended, attempts, err := p.appendWithRetry(ctx, ev)
	if err != nil {
		p.deadLetter(ctx, ev, err, attempts)
		return err
	}
	p.log.Info("low stock event appended",
		zap.String("event_id", appended.EventID),
		zap.String("product_id", appended.ProductID),
		zap.String("direction", string(appended.Direction)),
		zap.Int64("seq", appended.Seq),
		zap.String("stream_id", appended.StreamID),
	)
	p.broadcast(ctx, appended)
	return nil
}

func (p *Publisher) appendWithRetry(ctx context.Context, ev model.LowStockEvent) (model.LowStockEvent, int, error) {
	var appended model.LowStockEvent
	attempts := 0
	op := func() error {
		attempts++
		var err error
		appended, err = p.appender.Append(ctx, ev)
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn("append low stock event failed, retrying",
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.cfg.NewBackOff(), uint64(p.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	return appended, attempts, err
}

func (p *Publisher) broadcast(ctx context.Context, ev model.LowStockEvent) {
	if p.bc == nil {
		return
	}
	if err := p.bc.Publish(ctx, ev); err != nil {
		p.log.Warn("broadcast low stock event", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

func (p *Publisher) logUndelivered(ev model.LowStockEvent, cause error, attempts int) {
	payload, _ := json.Marshal(ev)
	p.log.Error("low stock event undelivered",
		zap.String("event_id", ev.EventID),
		zap.String("product_id", ev.ProductID),
		zap.ByteString("payload", payload),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}

func (p *Publisher) deadLetter(ctx context.Context, ev model.LowStockEvent, cause error, attempts int) {
	p.logUndelivered(ev, cause, attempts)
	if p.dead == nil {
		return
	}
	// 调用方的 ctx 可能已经取消，死信写入单独给一个期限
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.dead.Save(saveCtx, ev, cause, attempts); err != nil {
		p.log.Error("save dead letter", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

// ReplayResult 一次重放的统计。
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Replay 按创建顺序重新追加死信，成功的删除。
// 某商品一旦失败，该商品后续的死信本轮跳过，保持商品内顺序。
func (p *Publisher) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	if p.dead == nil {
		return res, nil
	}
	recs, err := p.dead.List(ctx, 0)
	if err != nil {
		return res, fmt.Errorf("list dead letters: %w", err)
	}

	blocked := make(map[string]bool)
	for _, rec := range recs {
		if blocked[rec.ProductID] {
			res.Skipped++
			continue
		}
		ev, err := decodeDeadLetter(rec)
		if err != nil {
			p.log.Error("undecodable dead letter", zap.String("event_id", rec.EventID), zap.Error(err))
			blocked[rec.ProductID] = true
			res.Failed++
			continue
		}

		appended, _, err := p.appendWithRetry(ctx, ev)
		if err != nil {
			blocked[rec.ProductID] = true
			res.Failed++
			if mErr := p.dead.MarkFailed(ctx, rec.EventID, err); mErr != nil {
				p.log.Warn("mark dead letter failed", zap.String("event_id", rec.EventID), zap.Error(mErr))
			}
			continue
		}
		if err := p.dead.Delete(ctx, rec.EventID); err != nil {
			// 再次重放时追加脚本会按 event_id 去重
			p.log.Warn("delete replayed dead letter", zap.String("event_id", rec.EventID), zap.Error(err))
		}
		p.broadcast(ctx, appended)
		res.Replayed++
	}

	p.log.Info("dead letter replay finished",
		zap.Int("replayed", res.Replayed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// Backlog 已入队尚未开始发布的事件数。
func (p *Publisher) Backlog() int64 { return p.backlog.Load() }

// Stop 停止接收新事件并等待队列排空，随后写完积压的死信。
// ctx 到期时取消仍在重试的发布。Stop 返回后再 Submit 的事件只记日志。
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		err = ctx.Err()
	}

	p.mu.Lock()
	if !p.rejectShut {
		p.rejectShut = true
		close(p.rejected)
	}
	p.mu.Unlock()

	select {
	case <-p.rejectDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) shardFor(productID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(productID))
	return int(h.Sum32() % uint32(len(p.shards)))
}
