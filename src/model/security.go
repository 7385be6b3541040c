package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	AssetClassEquity = "equity"
	AssetClassCrypto = "crypto"
)

// Security is a tradeable instrument together with its last persisted quote.
type Security struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Symbol     string `gorm:"size:32;uniqueIndex;not null" json:"symbol"`
	Name       string `gorm:"size:255" json:"name"`
	Exchange   string `gorm:"size:50" json:"exchange"`
	Currency   string `gorm:"size:8" json:"currency"`
	AssetClass string `gorm:"size:10" json:"asset_class"`
	Active     bool   `gorm:"index" json:"active"`

	CurrentPrice       decimal.Decimal `gorm:"type:numeric(20,6)" json:"current_price"`
	PreviousClose      decimal.Decimal `gorm:"type:numeric(20,6)" json:"previous_close"`
	ClosePrice         decimal.Decimal `gorm:"type:numeric(20,6)" json:"close_price"`
	PriceChange        decimal.Decimal `gorm:"type:numeric(20,6)" json:"price_change"`
	PriceChangePercent decimal.Decimal `gorm:"type:numeric(12,4)" json:"price_change_percent"`
	PriceUpdatedAt     *time.Time      `json:"price_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for securities.
func (Security) TableName() string {
	return "securities"
}

// Quote returns the persisted quote fields as a Quote value.
func (s *Security) Quote() Quote {
	q := Quote{
		Symbol:             s.Symbol,
		CurrentPrice:       s.CurrentPrice,
		PreviousClose:      s.PreviousClose,
		PriceChange:        s.PriceChange,
		PriceChangePercent: s.PriceChangePercent,
	}
	if s.PriceUpdatedAt != nil {
		q.UpdatedAt = *s.PriceUpdatedAt
	}
	return q
}

// Quote is the last known price state of a security.
type Quote struct {
	Symbol             string          `json:"symbol"`
	CurrentPrice       decimal.Decimal `json:"current_price"`
	PreviousClose      decimal.Decimal `json:"previous_close"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Usable reports whether the quote carries a positive current price.
func (q Quote) Usable() bool {
	return q.CurrentPrice.IsPositive()
}

// WithIntradayChange fills PriceChange and PriceChangePercent from the current
// price and previous close. The change is left untouched when there is no
// positive previous close.
func (q Quote) WithIntradayChange() Quote {
	if !q.PreviousClose.IsPositive() || !q.CurrentPrice.IsPositive() {
		return q
	}
	q.PriceChange = q.CurrentPrice.Sub(q.PreviousClose)
	q.PriceChangePercent = q.PriceChange.Div(q.PreviousClose).Mul(decimal.NewFromInt(100)).Round(4)
	return q
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
