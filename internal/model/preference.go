package model

// AllProducts 订阅全部商品的通配符。
const AllProducts = "*"

// Subscription 用户关注某个商品（或全部）的低库存变化。
type Subscription struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	UserID    string `gorm:"size:64;not null;uniqueIndex:ux_subscription,priority:1" json:"user_id"`
	ProductID string `gorm:"size:64;not null;uniqueIndex:ux_subscription,priority:2;index" json:"product_id"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Recipient 用户联系方式，来自用户服务的只读副本。
type Recipient struct {
	UserID string `gorm:"primaryKey;size:64" json:"user_id"`
	Email  string `gorm:"size:255" json:"email"`
	Name   string `gorm:"size:128" json:"name"`
}

func (Recipient) TableName() string { return "recipients" }

// NotificationPreference 用户按渠道的开关，分发器只读。
type NotificationPreference struct {
	UserID  string  `gorm:"primaryKey;size:64" json:"user_id"`
	Channel Channel `gorm:"primaryKey;size:16" json:"channel"`
	Enabled bool    `gorm:"not null" json:"enabled"`
}

func (NotificationPreference) TableName() string { return "notification_preferences" }
