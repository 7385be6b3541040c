package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is the cash view of an account. TotalValue is derived
// (cash + sum of active position values) and recomputed periodically.
type Portfolio struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"size:100" json:"name"`
	OwnerRef    string          `gorm:"size:100;index" json:"owner_ref"`
	CashBalance decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"cash_balance"`
	TotalValue  decimal.Decimal `gorm:"type:numeric(20,6)" json:"total_value"`
	Version     uint            `gorm:"not null" json:"version"`
	ValuedAt    *time.Time      `json:"valued_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TableName allows you to control the exact table name for portfolios.
func (Portfolio) TableName() string {
	return "portfolios"
}
