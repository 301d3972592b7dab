package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"inventory_engine/internal/model"

	"gorm.io/gorm"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrNotificationInFlight 同键 PENDING 记录仍在 lease 内，投递结果未定
	ErrNotificationInFlight = errors.New("notification in flight")
)

// Repository 通知记录。唯一键 (event_id, user_id, channel) 是去重的落点。
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Claim 插入 PENDING 记录抢占投递权。
// 已存在 SENT/FAILED 时返回 false；已存在 PENDING 且超过 lease 未更新时（投递方中途崩溃或被取消）
// 通过条件更新重新抢占，lease 内返回 ErrNotificationInFlight。lease <= 0 时 PENDING 永不接手。
// 成功抢占后 n 为库中的记录。
func (r *Repository) Claim(ctx context.Context, n *model.Notification, lease time.Duration, now time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Create(n).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicate(err) {
		return false, err
	}

	var cur model.Notification
	err = r.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ? AND channel = ?", n.EventID, n.UserID, n.Channel).
		Take(&cur).Error
	if err != nil {
		return false, err
	}
	if cur.Status != model.NotificationPending {
		return false, nil
	}
	if lease <= 0 {
		return false, ErrNotificationInFlight
	}

	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND status = ? AND updated_at <= ?", cur.ID, model.NotificationPending, now.Add(-lease)).
		Update("updated_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrNotificationInFlight
	}
	cur.UpdatedAt = now
	*n = cur
	return true, nil
}

func (r *Repository) MarkSent(ctx context.Context, id string, attempts int, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     model.NotificationSent,
			"attempts":   attempts,
			"error_msg":  "",
			"sent_at":    now,
			"updated_at": now,
		}).Error
}

func (r *Repository) MarkFailed(ctx context.Context, id string, attempts int, cause error, now time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > 255 {
			msg = msg[:255]
		}
	}
	return r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     model.NotificationFailed,
			"attempts":   attempts,
			"error_msg":  msg,
			"updated_at": now,
		}).Error
}

// ListFilter 列表条件，空字段不过滤。
type ListFilter struct {
	Status  model.NotificationStatus
	UserID  string
	EventID string
	Offset  int
	Limit   int
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]model.Notification, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Notification{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.Notification
	err := q.Order("created_at DESC, id ASC").Find(&out).Error
	return out, total, err
}

func (r *Repository) Get(ctx context.Context, id string) (model.Notification, error) {
	var n model.Notification
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Notification{}, ErrNotificationNotFound
	}
	return n, err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
