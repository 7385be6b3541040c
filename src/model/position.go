package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the holding of one security inside one portfolio.
// Rows are never deleted; a position whose quantity drops to zero is deactivated.
type Position struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	PortfolioID uint   `gorm:"uniqueIndex:idx_positions_portfolio_security;not null" json:"portfolio_id"`
	SecurityID  uint   `gorm:"uniqueIndex:idx_positions_portfolio_security;not null" json:"security_id"`
	Symbol      string `gorm:"size:32;index" json:"symbol"`

	Quantity              decimal.Decimal `gorm:"type:numeric(24,8);not null" json:"quantity"`
	AverageCost           decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"average_cost"`
	CurrentValue          decimal.Decimal `gorm:"type:numeric(20,6)" json:"current_value"`
	UnrealizedGain        decimal.Decimal `gorm:"type:numeric(20,6)" json:"unrealized_gain"`
	UnrealizedGainPercent decimal.Decimal `gorm:"type:numeric(12,4)" json:"unrealized_gain_percent"`
	RealizedGain          decimal.Decimal `gorm:"type:numeric(20,6)" json:"realized_gain"`
	DayChange             decimal.Decimal `gorm:"type:numeric(20,6)" json:"day_change"`
	DayChangePercent      decimal.Decimal `gorm:"type:numeric(12,4)" json:"day_change_percent"`

	Active bool `gorm:"index" json:"active"`
	// Version is bumped on every write and used as the compare-and-swap guard.
	Version uint `gorm:"not null" json:"version"`

	OpenedAt    time.Time `json:"opened_at"`
	LastUpdated time.Time `json:"last_updated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for positions.
func (Position) TableName() string {
	return "positions"
}

// CostBasis is the amount paid for the shares still held.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AverageCost)
}

// BreakEvenPrice is the average cost per share; fees are not folded in.
func (p *Position) BreakEvenPrice() decimal.Decimal {
	return p.AverageCost
}
