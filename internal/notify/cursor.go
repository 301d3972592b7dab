package notify

import (
	"context"
	"errors"
	"time"

	"inventory_engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorStore 持久化日志消费位置。
type CursorStore struct {
	db *gorm.DB
}

func NewCursorStore(db *gorm.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load 首次启动返回 "0"（从日志开头读）。
func (s *CursorStore) Load(ctx context.Context, name string) (string, error) {
	var c model.ConsumerCursor
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return c.Position, nil
}

func (s *CursorStore) Save(ctx context.Context, name, position string) error {
	c := model.ConsumerCursor{Name: name, Position: position, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(&c).Error
}
