package model

import "time"

// InventoryItem 库存计数器：可售、已预留、补货阈值。
// 只由预留引擎修改；首次登记库存时创建，永不物理删除（清零保留历史）。
type InventoryItem struct {
	ProductID        string    `gorm:"primaryKey;size:64" json:"product_id"`
	AvailableQty     int64     `gorm:"not null;default:0" json:"available_qty"`
	ReservedQty      int64     `gorm:"not null;default:0" json:"reserved_qty"`
	ReorderThreshold int64     `gorm:"not null;default:0" json:"reorder_threshold"`
	Version          int64     `gorm:"not null;default:0" json:"version"` // CAS 版本号，每次变更 +1
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (InventoryItem) TableName() string { return "inventory_items" }

// IsLow 可售量严格低于阈值即视为低库存。
func (i InventoryItem) IsLow() bool { return i.AvailableQty < i.ReorderThreshold }

// HistoryChangeType 库存流水类型。
type HistoryChangeType string

const (
	ChangeRegister  HistoryChangeType = "register"
	ChangeRestock   HistoryChangeType = "restock"
	ChangeAdjust    HistoryChangeType = "adjust"
	ChangeReserve   HistoryChangeType = "reserve"
	ChangeCommit    HistoryChangeType = "commit"
	ChangeRelease   HistoryChangeType = "release"
	ChangeExpire    HistoryChangeType = "expire"
	ChangeThreshold HistoryChangeType = "threshold"
)

// InventoryHistory 每次变更落一条流水，与变更本身原子写入。
type InventoryHistory struct {
	ID             uint              `gorm:"primarykey" json:"id"`
	ProductID      string            `gorm:"size:64;not null;index" json:"product_id"`
	ChangeType     HistoryChangeType `gorm:"size:16;not null" json:"change_type"`
	QuantityChange int64             `gorm:"not null" json:"quantity_change"` // 可售量变化
	PreviousQty    int64             `gorm:"not null" json:"previous_qty"`
	NewQty         int64             `gorm:"not null" json:"new_qty"`
	ReferenceID    string            `gorm:"size:64" json:"reference_id"`
	Reason         string            `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (InventoryHistory) TableName() string { return "inventory_history" }
