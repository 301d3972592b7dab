// Package reservation 库存预留引擎：reserve / commit / release / expire，
// 以及库存登记与调整。所有变更都是对存储的一次比较并更新，任何时刻可售量不为负。
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory_engine/internal/lowstock"
	"inventory_engine/internal/model"
	"inventory_engine/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink 接收阈值穿越事件，必须非阻塞。
type EventSink interface {
	Submit(ev model.LowStockEvent) error
}

// maxConflictRetries 单次操作连续版本冲突的上限，超过视为存储不可用。
const maxConflictRetries = 64

type Engine struct {
	store store.Store
	sink  EventSink
	log   *zap.Logger
	locks *keyedLock

	ttl         time.Duration
	now         func() time.Time
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

type Option func(*Engine)

// WithTTL 预留有效期，0 表示永不过期。
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

func WithSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry 存储暂时不可用时的最大尝试次数与退避策略。
func WithRetry(maxAttempts int, newBackOff func() backoff.BackOff) Option {
	return func(e *Engine) {
		e.maxAttempts = maxAttempts
		if newBackOff != nil {
			e.newBackOff = newBackOff
		}
	}
}

func NewEngine(s store.Store, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		log:         log.Named("reservation"),
		locks:       newKeyedLock(),
		now:         time.Now,
		maxAttempts: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 1
	}
	return e
}

// step 一轮计算的结果。change 为 nil 表示无需写入（幂等命中）。
type step struct {
	change *store.Change
	before model.InventoryItem
	result model.Reservation
	item   model.InventoryItem
}

type planFunc func(ctx context.Context, now time.Time) (step, error)

// run 在商品锁内执行 读取 -> 计算 -> CAS。冲突立即重算，存储故障按退避重试。
func (e *Engine) run(ctx context.Context, productID string, plan planFunc) (step, error) {
	unlock := e.locks.Lock(productID)
	defer unlock()

	for conflicts := 0; ; conflicts++ {
		now := e.now().UTC()
		st, err := e.attempt(ctx, now, plan)
		if err == nil {
			if st.change != nil {
				e.emit(st.before, *st.change.Item, now)
			}
			return st, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return step{}, err
		}
		if conflicts+1 >= maxConflictRetries {
			return step{}, fmt.Errorf("%w: product %s kept conflicting", ErrStoreUnavailable, productID)
		}
		e.log.Debug("version conflict, retrying", zap.String("product_id", productID), zap.Int("conflicts", conflicts+1))
	}
}

func (e *Engine) attempt(ctx context.Context, now time.Time, plan planFunc) (step, error) {
	var st step
	op := func() error {
		var err error
		st, err = plan(ctx, now)
		if err == nil && st.change != nil {
			err = e.store.Apply(ctx, *st.change)
		}
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return step{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return step{}, err
	}
	return st, nil
}

// emit 在商品锁内调用，保证同一副本内事件按变更顺序提交。提交失败只记录日志。
func (e *Engine) emit(before, after model.InventoryItem, now time.Time) {
	if e.sink == nil || before.ProductID == "" {
		return
	}
	ev, ok := lowstock.Evaluate(before, after, now)
	if !ok {
		return
	}
	if err := e.sink.Submit(ev); err != nil {
		e.log.Warn("submit low stock event",
			zap.String("event_id", ev.EventID),
			zap.String("product_id", ev.ProductID),
			zap.Error(err),
		)
	}
}

// Reserve 占用库存。同一 (product, order) 已有 HELD 预留时直接返回它。
func (e *Engine) Reserve(ctx context.Context, productID, orderID string, quantity int64) (model.Reservation, error) {
	if productID == "" || orderID == "" {
		return model.Reservation{}, fmt.Errorf("%w: product_id and order_id are required", ErrInvalidArgument)
	}
	if quantity <= 0 {
		return model.Reservation{}, fmt.Errorf("%w: quantity must be > 0", ErrInvalidArgument)
	}

	st, err := e.run(ctx, productID, func(ctx context.Context, now time.Time) (step, error) {
		held, err := e.store.FindHeld(ctx, productID, orderID)
		if err == nil {
			return step{result: held}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return step{}, err
		}

		item, err := e.loadItem(ctx, productID)
		if err != nil {
			return step{}, err
		}
		if item.AvailableQty < quantity {
			return step{}, fmt.Errorf("%w: product %s available %d, requested %d",
				ErrInsufficientStock, productID, item.AvailableQty, quantity)
		}

		next := bump(item, now)
		next.AvailableQty -= quantity
		next.ReservedQty += quantity

		key := model.HeldKeyFor(productID, orderID)
		r := model.Reservation{
			ID:        uuid.NewString(),
			ProductID: productID,
			OrderID:   orderID,
			Quantity:  quantity,
			Status:    model.ReservationHeld,
			HeldKey:   &key,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if e.ttl > 0 {
			exp := now.Add(e.ttl)
			r.ExpiresAt = &exp
		}

		return step{
			before: item,
			item:   next,
			result: r,
			change: &store.Change{
				Item:                &next,
				ExpectedItemVersion: item.Version,
				Reservation:         &r,
				History:             history(item, next, model.ChangeReserve, orderID, "", now),
			},
		}, nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if st.change != nil {
		e.log.Info("reserved",
			zap.String("reservation_id", st.result.ID),
			zap.String("product_id", productID),
			zap.String("order_id", orderID),
			zap.Int64("quantity", quantity),
		)
	}
	return st.result, nil
}

// Commit 把 HELD 预留转为已消耗。已经 COMMITTED 的重复提交直接成功。
func (e *Engine) Commit(ctx context.Context, reservationID string) (model.Reservation, error) {
	return e.transition(ctx, reservationID, func(r model.Reservation, item model.InventoryItem, now time.Time) (step, error) {
		switch r.Status {
		case model.ReservationCommitted:
			return step{result: r}, nil
		case model.ReservationHeld:
		default:
			return step{}, fmt.Errorf("%w: cannot commit %s reservation %s", ErrInvalidState, r.Status, r.ID)
		}
		if r.ExpiredAt(now) {
			return step{}, fmt.Errorf("%w: reservation %s expired at %s", ErrInvalidState, r.ID, r.ExpiresAt.Format(time.RFC3339))
		}

		next := bump(item, now)
		next.ReservedQty -= r.Quantity
		done := settle(r, model.ReservationCommitted, now)
		return changeStep(item, next, r, done, history(item, next, model.ChangeCommit, r.ID, "", now)), nil
	})
}

// Release 归还 HELD 预留的库存；EXPIRED 的库存已在过期时归还，只收尾状态。
func (e *Engine) Release(ctx context.Context, reservationID string) (model.Reservation, error) {
	return e.transition(ctx, reservationID, func(r model.Reservation, item model.InventoryItem, now time.Time) (step, error) {
		switch r.Status {
		case model.ReservationReleased:
			return step{result: r}, nil
		case model.ReservationHeld:
			next := bump(item, now)
			next.ReservedQty -= r.Quantity
			next.AvailableQty += r.Quantity
			done := settle(r, model.ReservationReleased, now)
			return changeStep(item, next, r, done, history(item, next, model.ChangeRelease, r.ID, "", now)), nil
		case model.ReservationExpired:
			next := bump(item, now)
			done := settle(r, model.ReservationReleased, now)
			return changeStep(item, next, r, done, nil), nil
		default:
			return step{}, fmt.Errorf("%w: cannot release %s reservation %s", ErrInvalidState, r.Status, r.ID)
		}
	})
}

// Expire 过期清扫使用。只有到期的 HELD 预留能被过期，其余情况返回 ErrInvalidState。
func (e *Engine) Expire(ctx context.Context, reservationID string, now time.Time) (model.Reservation, error) {
	return e.transition(ctx, reservationID, func(r model.Reservation, item model.InventoryItem, _ time.Time) (step, error) {
		if r.Status != model.ReservationHeld || !r.ExpiredAt(now) {
			return step{}, fmt.Errorf("%w: reservation %s is %s, not due", ErrInvalidState, r.ID, r.Status)
		}
		at := now.UTC()
		next := bump(item, at)
		next.ReservedQty -= r.Quantity
		next.AvailableQty += r.Quantity
		done := settle(r, model.ReservationExpired, at)
		return changeStep(item, next, r, done, history(item, next, model.ChangeExpire, r.ID, "", at)), nil
	})
}

// transition 先读预留拿到商品 id，再在商品锁内重读并计算。
func (e *Engine) transition(ctx context.Context, reservationID string,
	decide func(r model.Reservation, item model.InventoryItem, now time.Time) (step, error)) (model.Reservation, error) {
	if reservationID == "" {
		return model.Reservation{}, fmt.Errorf("%w: reservation_id is required", ErrInvalidArgument)
	}
	r, err := e.Reservation(ctx, reservationID)
	if err != nil {
		return model.Reservation{}, err
	}

	st, err := e.run(ctx, r.ProductID, func(ctx context.Context, now time.Time) (step, error) {
		cur, err := e.loadReservation(ctx, reservationID)
		if err != nil {
			return step{}, err
		}
		item, err := e.loadItem(ctx, cur.ProductID)
		if err != nil {
			return step{}, err
		}
		return decide(cur, item, now)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if st.change != nil {
		e.log.Info("reservation settled",
			zap.String("reservation_id", st.result.ID),
			zap.String("product_id", st.result.ProductID),
			zap.String("status", string(st.result.Status)),
		)
	}
	return st.result, nil
}

// RegisterStock 首次登记商品库存。
func (e *Engine) RegisterStock(ctx context.Context, productID string, quantity, threshold int64) (model.InventoryItem, error) {
	if productID == "" {
		return model.InventoryItem{}, fmt.Errorf("%w: product_id is required", ErrInvalidArgument)
	}
	if quantity < 0 || threshold < 0 {
		return model.InventoryItem{}, fmt.Errorf("%w: quantity and threshold must be >= 0", ErrInvalidArgument)
	}

	st, err := e.run(ctx, productID, func(ctx context.Context, now time.Time) (step, error) {
		_, err := e.store.LoadItem(ctx, productID)
		if err == nil {
			return step{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, productID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return step{}, err
		}
		item := model.InventoryItem{
			ProductID:        productID,
			AvailableQty:     quantity,
			ReorderThreshold: threshold,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return step{
			item: item,
			change: &store.Change{
				Item:    &item,
				History: history(model.InventoryItem{ProductID: productID}, item, model.ChangeRegister, productID, "", now),
			},
		}, nil
	})
	if err != nil {
		return model.InventoryItem{}, err
	}
	e.log.Info("stock registered", zap.String("product_id", productID), zap.Int64("quantity", quantity), zap.Int64("threshold", threshold))
	return st.item, nil
}

// Adjust 补货（delta > 0）或盘亏（delta < 0），可售量不能被调成负数。
func (e *Engine) Adjust(ctx context.Context, productID string, delta int64, reason, referenceID string) (model.InventoryItem, error) {
	if productID == "" || delta == 0 {
		return model.InventoryItem{}, fmt.Errorf("%w: product_id and a non-zero delta are required", ErrInvalidArgument)
	}
	st, err := e.run(ctx, productID, func(ctx context.Context, now time.Time) (step, error) {
		item, err := e.loadItem(ctx, productID)
		if err != nil {
			return step{}, err
		}
		if item.AvailableQty+delta < 0 {
			return step{}, fmt.Errorf("%w: product %s available %d, adjustment %d",
				ErrInsufficientStock, productID, item.AvailableQty, delta)
		}
		next := bump(item, now)
		next.AvailableQty += delta
		kind := model.ChangeAdjust
		if delta > 0 {
			kind = model.ChangeRestock
		}
		return step{
			before: item,
			item:   next,
			change: &store.Change{
				Item:                &next,
				ExpectedItemVersion: item.Version,
				History:             history(item, next, kind, referenceID, reason, now),
			},
		}, nil
	})
	if err != nil {
		return model.InventoryItem{}, err
	}
	return st.item, nil
}

// SetThreshold 修改补货阈值，可能直接触发穿越事件。
func (e *Engine) SetThreshold(ctx context.Context, productID string, threshold int64) (model.InventoryItem, error) {
	if productID == "" || threshold < 0 {
		return model.InventoryItem{}, fmt.Errorf("%w: product_id is required and threshold must be >= 0", ErrInvalidArgument)
	}
	st, err := e.run(ctx, productID, func(ctx context.Context, now time.Time) (step, error) {
		item, err := e.loadItem(ctx, productID)
		if err != nil {
			return step{}, err
		}
		if item.ReorderThreshold == threshold {
			return step{item: item}, nil
		}
		next := bump(item, now)
		next.ReorderThreshold = threshold
		reason := fmt.Sprintf("threshold %d -> %d", item.ReorderThreshold, threshold)
		return step{
			before: item,
			item:   next,
			change: &store.Change{
				Item:                &next,
				ExpectedItemVersion: item.Version,
				History:             history(item, next, model.ChangeThreshold, "", reason, now),
			},
		}, nil
	})
	if err != nil {
		return model.InventoryItem{}, err
	}
	return st.item, nil
}

func (e *Engine) Item(ctx context.Context, productID string) (model.InventoryItem, error) {
	if productID == "" {
		return model.InventoryItem{}, fmt.Errorf("%w: product_id is required", ErrInvalidArgument)
	}
	return e.loadItem(ctx, productID)
}

func (e *Engine) Reservation(ctx context.Context, reservationID string) (model.Reservation, error) {
	if reservationID == "" {
		return model.Reservation{}, fmt.Errorf("%w: reservation_id is required", ErrInvalidArgument)
	}
	return e.loadReservation(ctx, reservationID)
}

func (e *Engine) Items(ctx context.Context, f store.ItemFilter) ([]model.InventoryItem, error) {
	items, err := e.store.ListItems(ctx, f)
	return items, domainErr(err)
}

func (e *Engine) History(ctx context.Context, productID string, limit int) ([]model.InventoryHistory, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrInvalidArgument)
	}
	if _, err := e.loadItem(ctx, productID); err != nil {
		return nil, err
	}
	hist, err := e.store.History(ctx, productID, limit)
	return hist, domainErr(err)
}

// Check 只读探测当前可售量是否满足 quantity，不做占用。
func (e *Engine) Check(ctx context.Context, productID string, quantity int64) (bool, model.InventoryItem, error) {
	if quantity <= 0 {
		return false, model.InventoryItem{}, fmt.Errorf("%w: quantity must be > 0", ErrInvalidArgument)
	}
	item, err := e.Item(ctx, productID)
	if err != nil {
		return false, model.InventoryItem{}, err
	}
	return item.AvailableQty >= quantity, item, nil
}

// ListExpired 到期仍为 HELD 的预留。
func (e *Engine) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	list, err := e.store.ListExpired(ctx, now, limit)
	return list, domainErr(err)
}

func (e *Engine) Ping(ctx context.Context) error {
	return domainErr(e.store.Ping(ctx))
}

func (e *Engine) loadItem(ctx context.Context, productID string) (model.InventoryItem, error) {
	item, err := e.store.LoadItem(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return model.InventoryItem{}, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	return item, domainErr(err)
}

func (e *Engine) loadReservation(ctx context.Context, reservationID string) (model.Reservation, error) {
	r, err := e.store.LoadReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Reservation{}, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
	}
	return r, domainErr(err)
}

// domainErr 查询路径上的存储故障统一映射为 ErrStoreUnavailable。
// 写路径里 ErrUnavailable 需要原样交给退避重试，由 attempt 负责映射。
func domainErr(err error) error {
	if err != nil && errors.Is(err, store.ErrUnavailable) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func bump(item model.InventoryItem, now time.Time) model.InventoryItem {
	next := item
	next.Version++
	next.UpdatedAt = now
	return next
}

func settle(r model.Reservation, status model.ReservationStatus, now time.Time) model.Reservation {
	done := r
	done.Status = status
	done.HeldKey = nil
	done.Version++
	done.UpdatedAt = now
	return done
}

func changeStep(item, next model.InventoryItem, cur, done model.Reservation, h *model.InventoryHistory) step {
	return step{
		before: item,
		item:   next,
		result: done,
		change: &store.Change{
			Item:                       &next,
			ExpectedItemVersion:        item.Version,
			Reservation:                &done,
			ExpectedReservationVersion: cur.Version,
			History:                    h,
		},
	}
}

func history(before, after model.InventoryItem, kind model.HistoryChangeType, ref, reason string, now time.Time) *model.InventoryHistory {
	return &model.InventoryHistory{
		ProductID:      after.ProductID,
		ChangeType:     kind,
		QuantityChange: after.AvailableQty - before.AvailableQty,
		PreviousQty:    before.AvailableQty,
		NewQty:         after.AvailableQty,
		ReferenceID:    ref,
		Reason:         reason,
		CreatedAt:      now,
	}
}
