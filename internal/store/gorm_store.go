package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inventory_engine/internal/model"

	"gorm.io/gorm"
)

// GormStore 基于 SQL 事务的实现：UPDATE ... WHERE version = ? 影响 0 行即冲突。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) LoadItem(ctx context.Context, productID string) (model.InventoryItem, error) {
	var item model.InventoryItem
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).Take(&item).Error
	return item, classify(err)
}

func (s *GormStore) LoadReservation(ctx context.Context, reservationID string) (model.Reservation, error) {
	var r model.Reservation
	err := s.db.WithContext(ctx).Where("id = ?", reservationID).Take(&r).Error
	return r, classify(err)
}

func (s *GormStore) FindHeld(ctx context.Context, productID, orderID string) (model.Reservation, error) {
	var r model.Reservation
	err := s.db.WithContext(ctx).Where("held_key = ?", model.HeldKeyFor(productID, orderID)).Take(&r).Error
	return r, classify(err)
}

func (s *GormStore) Apply(ctx context.Context, ch Change) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyItem(tx, ch); err != nil {
			return err
		}
		if ch.Reservation != nil {
			if err := applyReservation(tx, ch); err != nil {
				return err
			}
		}
		if ch.History != nil {
			if err := tx.Create(ch.History).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func applyItem(tx *gorm.DB, ch Change) error {
	item := ch.Item
	if ch.ExpectedItemVersion == 0 {
		return tx.Create(item).Error
	}
	res := tx.Model(&model.InventoryItem{}).
		Where("product_id = ? AND version = ?", item.ProductID, ch.ExpectedItemVersion).
		Updates(map[string]any{
			"available_qty":     item.AvailableQty,
			"reserved_qty":      item.ReservedQty,
			"reorder_threshold": item.ReorderThreshold,
			"version":           item.Version,
			"updated_at":        item.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func applyReservation(tx *gorm.DB, ch Change) error {
	r := ch.Reservation
	if ch.ExpectedReservationVersion == 0 {
		return tx.Create(r).Error
	}
	res := tx.Model(&model.Reservation{}).
		Where("id = ? AND version = ?", r.ID, ch.ExpectedReservationVersion).
		Updates(map[string]any{
			"status":     r.Status,
			"held_key":   r.HeldKey,
			"version":    r.Version,
			"updated_at": r.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	var out []model.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.ReservationHeld, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, classify(err)
}

func (s *GormStore) ListItems(ctx context.Context, f ItemFilter) ([]model.InventoryItem, error) {
	q := s.db.WithContext(ctx).Model(&model.InventoryItem{})
	if f.LowOnly {
		q = q.Where("available_qty < reorder_threshold")
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.InventoryItem
	err := q.Order("product_id ASC").Find(&out).Error
	return out, classify(err)
}

func (s *GormStore) History(ctx context.Context, productID string, limit int) ([]model.InventoryHistory, error) {
	q := s.db.WithContext(ctx).Where("product_id = ?", productID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.InventoryHistory
	err := q.Find(&out).Error
	return out, classify(err)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// classify 把驱动错误归为 ErrNotFound / ErrConflict / ErrUnavailable。
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), errorsLikeUnique(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// errorsLikeUnique 未开启 TranslateError 的连接上兜底识别唯一约束冲突。
func errorsLikeUnique(err error) bool {
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
