// Package store 持久化库存计数器与预留记录。
//
// 所有写入都经过 Apply：一次调用内对商品版本（以及可选的预留版本）做比较并更新，
// 要么全部生效，要么返回 ErrConflict。业务规则（够不够扣、状态能否流转）由调用方计算。
package store

import (
	"context"
	"errors"
	"time"

	"inventory_engine/internal/model"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrConflict    = errors.New("store: version conflict")
	ErrUnavailable = errors.New("store: unavailable")
)

// Change 一次原子变更。
//
// ExpectedItemVersion 为 0 表示新建商品；Reservation 为 nil 表示不涉及预留，
// 否则 ExpectedReservationVersion 为 0 表示新建预留。History 可选，与变更同生共死。
type Change struct {
	Item                       *model.InventoryItem
	ExpectedItemVersion        int64
	Reservation                *model.Reservation
	ExpectedReservationVersion int64
	History                    *model.InventoryHistory
}

// ItemFilter 列表查询条件。
type ItemFilter struct {
	LowOnly bool
	Offset  int
	Limit   int
}

type Store interface {
	LoadItem(ctx context.Context, productID string) (model.InventoryItem, error)
	LoadReservation(ctx context.Context, reservationID string) (model.Reservation, error)
	// FindHeld 返回 (product, order) 当前处于 HELD 的预留。
	FindHeld(ctx context.Context, productID, orderID string) (model.Reservation, error)
	Apply(ctx context.Context, ch Change) error
	// ListExpired 返回 expires_at <= now 的 HELD 预留，按过期时间升序。
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
	ListItems(ctx context.Context, f ItemFilter) ([]model.InventoryItem, error)
	History(ctx context.Context, productID string, limit int) ([]model.InventoryHistory, error)
	Ping(ctx context.Context) error
}

func (f ItemFilter) window(total int) (int, int) {
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return start, end
}
