package model

import "time"

// ReservationStatus 预留状态机：HELD 只能单向流转到 COMMITTED/RELEASED/EXPIRED，
// EXPIRED 还可以被 release 收尾为 RELEASED。
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation 一次订单行对库存的限时占用。
type Reservation struct {
	ID        string            `gorm:"primaryKey;size:36" json:"reservation_id"`
	ProductID string            `gorm:"size:64;not null;index" json:"product_id"`
	OrderID   string            `gorm:"size:64;not null;index" json:"order_id"`
	Quantity  int64             `gorm:"not null" json:"quantity"`
	Status    ReservationStatus `gorm:"size:16;not null;index" json:"status"`
	// HeldKey 仅在 HELD 时非空，唯一索引保证同一 (product, order) 只有一条占用。
	HeldKey   *string    `gorm:"size:160;uniqueIndex" json:"-"`
	Version   int64      `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (Reservation) TableName() string { return "reservations" }

// HeldKeyFor 约定幂等占位键。
func HeldKeyFor(productID, orderID string) string {
	return productID + "|" + orderID
}

// ExpiredAt reports whether the hold has run past its deadline at now.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
