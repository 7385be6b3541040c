package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/model"
)

// PortfolioRepository owns the cash balance rows.
type PortfolioRepository struct {
	db *gorm.DB
}

// NewPortfolioRepositoryWithDB creates a repository bound to the given connection.
func NewPortfolioRepositoryWithDB(db *gorm.DB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// Create inserts a new portfolio.
func (r *PortfolioRepository) Create(ctx context.Context, p *model.Portfolio) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioRepository",
			"op":   "Create",
			"name": p.Name,
		}).WithError(err).Error("Failed to create portfolio")

		return err
	}
	return nil
}

// FindByID returns (nil, nil) when the portfolio does not exist.
func (r *PortfolioRepository) FindByID(ctx context.Context, id uint) (*model.Portfolio, error) {
	var p model.Portfolio
	err := r.db.WithContext(ctx).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch portfolio")

		return nil, err
	}
	return &p, nil
}

// UpdateCashVersioned sets the cash balance if the stored version still equals expectedVersion.
// It returns false when another writer changed the row in between.
func (r *PortfolioRepository) UpdateCashVersioned(
	ctx context.Context,
	id uint,
	expectedVersion uint,
	balance decimal.Decimal,
) (bool, error) {

	res := r.db.WithContext(ctx).
		Model(&model.Portfolio{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"cash_balance": balance,
			"version":      expectedVersion + 1,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PortfolioRepository",
			"op":   "UpdateCashVersioned",
			"id":   id,
		}).WithError(res.Error).Error("Failed to update cash balance")

		return false, res.Error
	}

	return res.RowsAffected == 1, nil
}

// UpdateTotalValue stores the derived total value. It does not bump the version:
// the value is recomputed from authoritative rows and never read back as input.
func (r *PortfolioRepository) UpdateTotalValue(
	ctx context.Context,
	id uint,
	total decimal.Decimal,
	at time.Time,
) error {
	return r.db.WithContext(ctx).
		Model(&model.Portfolio{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_value": total,
			"valued_at":   at,
		}).Error
}

// ListIDs returns every portfolio id.
func (r *PortfolioRepository) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&model.Portfolio{}).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}
