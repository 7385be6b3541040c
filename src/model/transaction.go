package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeBuy        TransactionType = "BUY"
	TransactionTypeSell       TransactionType = "SELL"
	TransactionTypeDividend   TransactionType = "DIVIDEND"
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeFee        TransactionType = "FEE"
	TransactionTypeTax        TransactionType = "TAX"
	TransactionTypeInterest   TransactionType = "INTEREST"
)

// IsTrade reports whether the transaction moves shares as well as cash.
func (t TransactionType) IsTrade() bool {
	return t == TransactionTypeBuy || t == TransactionTypeSell
}

// IsDebit reports whether the net amount leaves the cash balance.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TransactionTypeBuy, TransactionTypeWithdrawal, TransactionTypeFee, TransactionTypeTax:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeBuy, TransactionTypeSell, TransactionTypeDividend, TransactionTypeDeposit,
		TransactionTypeWithdrawal, TransactionTypeFee, TransactionTypeTax, TransactionTypeInterest:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is a cash or share movement on a portfolio. Trade transactions
// reference the order that produced them.
type Transaction struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	PortfolioID uint   `gorm:"index;not null" json:"portfolio_id"`
	SecurityID  *uint  `gorm:"index" json:"security_id,omitempty"`
	Symbol      string `gorm:"size:32" json:"symbol,omitempty"`
	OrderID     *uint  `gorm:"index" json:"order_id,omitempty"`

	Type   TransactionType   `gorm:"size:12;not null" json:"type"`
	Status TransactionStatus `gorm:"size:12;not null;index" json:"status"`

	Quantity  decimal.Decimal `gorm:"type:numeric(24,8)" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:numeric(20,6)" json:"price"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,6)" json:"amount"` // gross amount before fees and tax
	Fees      decimal.Decimal `gorm:"type:numeric(20,6)" json:"fees"`
	Tax       decimal.Decimal `gorm:"type:numeric(20,6)" json:"tax"`
	NetAmount decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"net_amount"`

	FailureReason string `gorm:"size:255" json:"failure_reason,omitempty"`

	TransactionDate time.Time  `gorm:"not null" json:"transaction_date"`
	SettlementDate  *time.Time `gorm:"index" json:"settlement_date,omitempty"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName allows you to control the exact table name for transactions.
func (Transaction) TableName() string {
	return "transactions"
}

// CashDelta returns the signed adjustment this transaction applies to the cash balance.
func (t *Transaction) CashDelta() decimal.Decimal {
	if t.Type.IsDebit() {
		return t.NetAmount.Neg()
	}
	return t.NetAmount
}
