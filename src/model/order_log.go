package model

import "time"

// OrderLog stores one row per order status change.
type OrderLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Foreign key to Order
	OrderID uint   `gorm:"index" json:"order_id"`
	Order   *Order `gorm:"constraint:OnDelete:CASCADE" json:"order,omitempty"`

	Symbol    string      `gorm:"size:32" json:"symbol"`
	Side      OrderSide   `gorm:"size:4" json:"side"`
	OrderType OrderType   `gorm:"size:10" json:"order_type"`
	Status    OrderStatus `gorm:"size:20;not null" json:"status"`
	Reason    string      `gorm:"size:255" json:"reason"` // human-readable reason (e.g. "expired", "insufficient funds")
	CreatedAt time.Time   `json:"created_at"`
}

// TableName allows you to control the exact table name for order logs.
func (OrderLog) TableName() string {
	return "order_logs"
}

// NewOrderLog snapshots the order into a log entry with the given status and reason.
func NewOrderLog(order *Order, status OrderStatus, reason string, at time.Time) *OrderLog {
	return &OrderLog{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.Type,
		Status:    status,
		Reason:    reason,
		CreatedAt: at,
	}
}
