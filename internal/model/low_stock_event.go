package model

import "time"

// Direction 阈值穿越方向。
type Direction string

const (
	CrossedBelow   Direction = "CROSSED_BELOW"
	RecoveredAbove Direction = "RECOVERED_ABOVE"
)

// LowStockEvent 写入持久日志后不可变。Seq/StreamID 由日志追加时分配。
type LowStockEvent struct {
	EventID      string    `json:"event_id"`
	ProductID    string    `json:"product_id"`
	AvailableQty int64     `json:"available_qty"`
	Threshold    int64     `json:"threshold"`
	Direction    Direction `json:"direction"`
	EmittedAt    time.Time `json:"emitted_at"`
	Revision     int64     `json:"revision"` // 产生该事件的库存版本号

	Seq      int64  `json:"seq,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

// UndeliveredEvent 追加日志重试耗尽后的死信，供人工/接口重放。
type UndeliveredEvent struct {
	EventID   string    `gorm:"primaryKey;size:36" json:"event_id"`
	ProductID string    `gorm:"size:64;not null;index" json:"product_id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	LastError string    `gorm:"size:255" json:"last_error"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (UndeliveredEvent) TableName() string { return "undelivered_events" }
