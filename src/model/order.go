package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// RequiresPrice reports whether orders of this type must carry a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit
}

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusExecuted        OrderStatus = "EXECUTED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// OpenOrderStatuses are the statuses from which an order may still execute or be cancelled.
var OpenOrderStatuses = []OrderStatus{OrderStatusPending, OrderStatusPartiallyFilled}

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusFailed, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is a request from a portfolio to buy or sell a security.
type Order struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ClientOrderID string `gorm:"size:36;uniqueIndex" json:"client_order_id"`
	PortfolioID   uint   `gorm:"index;not null" json:"portfolio_id"`
	SecurityID    uint   `gorm:"index;not null" json:"security_id"`
	Symbol        string `gorm:"size:32;index;not null" json:"symbol"`

	Side       OrderSide           `gorm:"size:4;not null" json:"side"`
	Type       OrderType           `gorm:"size:10;not null" json:"type"`
	Quantity   decimal.Decimal     `gorm:"type:numeric(24,8);not null" json:"quantity"`
	LimitPrice decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"limit_price"`

	Status           OrderStatus     `gorm:"size:20;not null;index" json:"status"`
	FilledQuantity   decimal.Decimal `gorm:"type:numeric(24,8)" json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `gorm:"type:numeric(20,6)" json:"average_fill_price"`
	TotalFees        decimal.Decimal `gorm:"type:numeric(20,6)" json:"total_fees"`
	TransactionID    *uint           `gorm:"index" json:"transaction_id,omitempty"`

	FailureReason      string `gorm:"size:255" json:"failure_reason,omitempty"`
	CancellationReason string `gorm:"size:255" json:"cancellation_reason,omitempty"`

	PlacedAt    time.Time  `gorm:"not null" json:"placed_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// One-to-many relation: every status change leaves an audit row
	Logs []OrderLog `gorm:"foreignKey:OrderID" json:"order_logs,omitempty"`
}

// TableName allows you to control the exact table name for orders.
func (Order) TableName() string {
	return "orders"
}

// LimitSatisfied reports whether price is acceptable for a limit order:
// at or below the limit for buys, at or above it for sells.
// Market orders are always satisfied.
func (o *Order) LimitSatisfied(price decimal.Decimal) bool {
	if o.Type != OrderTypeLimit || !o.LimitPrice.Valid {
		return true
	}
	if o.Side == OrderSideBuy {
		return price.LessThanOrEqual(o.LimitPrice.Decimal)
	}
	return price.GreaterThanOrEqual(o.LimitPrice.Decimal)
}
