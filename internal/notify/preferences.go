package notify

import (
	"context"

	"inventory_engine/internal/model"

	"gorm.io/gorm"
)

// Target 一个 (用户, 渠道) 投递目标。
type Target struct {
	UserID  string
	Name    string
	Email   string
	Channel model.Channel
}

// Directory 解析事件的接收人：订阅了该商品（或全部商品）的用户 × 已开启的渠道。
type Directory interface {
	Targets(ctx context.Context, productID string) ([]Target, error)
}

const targetsSQL = `
SELECT DISTINCT s.user_id AS user_id,
       COALESCE(r.name, '') AS name,
       COALESCE(r.email, '') AS email,
       p.channel AS channel
FROM subscriptions s
JOIN notification_preferences p ON p.user_id = s.user_id AND p.enabled = ?
LEFT JOIN recipients r ON r.user_id = s.user_id
WHERE s.product_id IN (?, ?)
ORDER BY user_id, channel`

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Targets(ctx context.Context, productID string) ([]Target, error) {
	var rows []struct {
		UserID  string
		Name    string
		Email   string
		Channel model.Channel
	}
	err := d.db.WithContext(ctx).Raw(targetsSQL, true, productID, model.AllProducts).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(rows))
	for _, r := range rows {
		out = append(out, Target{UserID: r.UserID, Name: r.Name, Email: r.Email, Channel: r.Channel})
	}
	return out, nil
}
