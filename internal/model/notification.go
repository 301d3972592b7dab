package model

import "time"

// Channel 通知渠道。
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
)

// NotificationStatus 通知投递状态，SENT/FAILED 为终态。
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

// Notification 由分发器独占写入。(event_id, user_id, channel) 唯一，
// 这是在至少一次投递的日志之上实现“效果恰好一次”的去重键。
type Notification struct {
	ID        string             `gorm:"primaryKey;size:36" json:"notification_id"`
	EventID   string             `gorm:"size:36;not null;uniqueIndex:ux_notification_dedup,priority:1" json:"event_id"`
	UserID    string             `gorm:"size:64;not null;uniqueIndex:ux_notification_dedup,priority:2;index" json:"user_id"`
	Channel   Channel            `gorm:"size:16;not null;uniqueIndex:ux_notification_dedup,priority:3" json:"channel"`
	ProductID string             `gorm:"size:64;not null;index" json:"product_id"`
	Address   string             `gorm:"size:255" json:"address"`
	Subject   string             `gorm:"size:255" json:"subject"`
	Body      string             `gorm:"type:text" json:"body"`
	Status    NotificationStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts  int                `gorm:"not null;default:0" json:"attempts"`
	ErrorMsg  string             `gorm:"size:255" json:"error_msg"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
}

func (Notification) TableName() string { return "notifications" }

// InAppMessage 站内信渠道的落库结果，每条通知最多一条。
type InAppMessage struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	NotificationID string    `gorm:"size:36;not null;uniqueIndex" json:"notification_id"`
	UserID         string    `gorm:"size:64;not null;index" json:"user_id"`
	Title          string    `gorm:"size:255" json:"title"`
	Body           string    `gorm:"type:text" json:"body"`
	Read           bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

func (InAppMessage) TableName() string { return "in_app_messages" }

// ConsumerCursor 持久化日志消费位置，重启后从这里继续。
type ConsumerCursor struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Position  string    `gorm:"size:64;not null" json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ConsumerCursor) TableName() string { return "consumer_cursors" }
