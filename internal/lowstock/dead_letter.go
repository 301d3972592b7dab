package lowstock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inventory_engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeadLetterStore 追加失败事件的落库位置，event_id 主键保证重复死信只留一条。
type DeadLetterStore struct {
	db *gorm.DB
}

func NewDeadLetterStore(db *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Save(ctx context.Context, ev model.LowStockEvent, cause error, attempts int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := model.UndeliveredEvent{
		EventID:   ev.EventID,
		ProductID: ev.ProductID,
		Payload:   string(payload),
		LastError: truncate(errString(cause), 255),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_error", "attempts"}),
	}).Create(&rec).Error
}

// List 按创建顺序返回。
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]model.UndeliveredEvent, error) {
	var out []model.UndeliveredEvent
	q := s.db.WithContext(ctx).Order("created_at ASC, event_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *DeadLetterStore) Delete(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Delete(&model.UndeliveredEvent{}, "event_id = ?", eventID).Error
}

func (s *DeadLetterStore) MarkFailed(ctx context.Context, eventID string, cause error) error {
	return s.db.WithContext(ctx).Model(&model.UndeliveredEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"last_error": truncate(errString(cause), 255),
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.UndeliveredEvent{}).Count(&n).Error
	return n, err
}

func decodeDeadLetter(rec model.UndeliveredEvent) (model.LowStockEvent, error) {
	var ev model.LowStockEvent
	if err := json.Unmarshal([]byte(rec.Payload), &ev); err != nil {
		return model.LowStockEvent{}, fmt.Errorf("decode dead letter %s: %w", rec.EventID, err)
	}
	if ev.EventID == "" {
		return model.LowStockEvent{}, errors.New("dead letter payload without event_id")
	}
	// 日志位置在重放时重新分配
	ev.Seq = 0
	ev.StreamID = ""
	return ev, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
