package notify

import (
	"context"
	"encoding/json"
	"time"

	"inventory_engine/internal/model"
	rediskey "inventory_engine/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InAppChannel 写站内信，并推送到用户的实时频道（推送失败不影响投递结果）。
type InAppChannel struct {
	db  *gorm.DB
	rdb *rd.Client
	log *zap.Logger
}

func NewInAppChannel(db *gorm.DB, rdb *rd.Client, log *zap.Logger) *InAppChannel {
	return &InAppChannel{db: db, rdb: rdb, log: log.Named("in-app")}
}

func (c *InAppChannel) Kind() model.Channel { return model.ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, n model.Notification) error {
	msg := model.InAppMessage{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Subject,
		Body:           n.Body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&msg).Error; err != nil {
		if isDuplicate(err) {
			// 上次已写入但未来得及标记 SENT
			return nil
		}
		return Transient(err)
	}

	if c.rdb != nil {
		payload, _ := json.Marshal(msg)
		if err := c.rdb.Publish(ctx, rediskey.InboxChannel(n.UserID), payload).Err(); err != nil {
			c.log.Warn("push in-app message", zap.String("user_id", n.UserID), zap.Error(err))
		}
	}
	return nil
}

// Inbox 用户站内信，最新在前。
func Inbox(ctx context.Context, db *gorm.DB, userID string, limit int) ([]model.InAppMessage, error) {
	var out []model.InAppMessage
	q := db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
