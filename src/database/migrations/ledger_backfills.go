package migrations

import (
	"brokerledger/src/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// backfillCashSettlementDates gives cash movements without a settlement date
// a same-day settlement so the nightly sweep can pick them up.
func backfillCashSettlementDates(db *gorm.DB) error {
	return db.Model(&model.Transaction{}).
		Where("settlement_date IS NULL AND type NOT IN ?", []model.TransactionType{
			model.TransactionTypeBuy,
			model.TransactionTypeSell,
		}).
		Update("settlement_date", gorm.Expr("transaction_date")).Error
}

// deactivateEmptyPositions flips positions left active with zero shares and zeroes
// their valuation fields. Realized gain is kept.
func deactivateEmptyPositions(db *gorm.DB) error {
	return db.Model(&model.Position{}).
		Where("quantity = 0 AND active = ?", true).
		Updates(map[string]interface{}{
			"active":                  false,
			"current_value":           decimal.Zero,
			"unrealized_gain":         decimal.Zero,
			"unrealized_gain_percent": decimal.Zero,
			"day_change":              decimal.Zero,
			"day_change_percent":      decimal.Zero,
			"version":                 gorm.Expr("version + 1"),
		}).Error
}
