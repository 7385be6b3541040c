package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/model"
)

// PositionRepository reads and writes position rows. Writes go through
// UpdateVersioned, a compare-and-swap on the version column.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepositoryWithDB creates a repository bound to the given connection.
func NewPositionRepositoryWithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// FindByPortfolioAndSecurity returns (nil, nil) when the portfolio never held the security.
func (r *PositionRepository) FindByPortfolioAndSecurity(
	ctx context.Context,
	portfolioID uint,
	securityID uint,
) (*model.Position, error) {

	var pos model.Position
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ? AND security_id = ?", portfolioID, securityID).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":         "PositionRepository",
			"op":           "FindByPortfolioAndSecurity",
			"portfolio_id": portfolioID,
			"security_id":  securityID,
		}).WithError(err).Error("Failed to fetch position")

		return nil, err
	}

	return &pos, nil
}

// FindByPortfolioAndSymbol returns (nil, nil) when the portfolio never held the symbol.
func (r *PositionRepository) FindByPortfolioAndSymbol(
	ctx context.Context,
	portfolioID uint,
	symbol string,
) (*model.Position, error) {

	var pos model.Position
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ? AND symbol = ?", portfolioID, model.NormalizeSymbol(symbol)).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// FindByID returns (nil, nil) when the position does not exist.
func (r *PositionRepository) FindByID(ctx context.Context, id uint) (*model.Position, error) {
	var pos model.Position
	err := r.db.WithContext(ctx).First(&pos, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// Create inserts a new position row. A unique-index collision surfaces as gorm.ErrDuplicatedKey.
func (r *PositionRepository) Create(ctx context.Context, pos *model.Position) error {
	if err := r.db.WithContext(ctx).Create(pos).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":         "PositionRepository",
			"op":           "Create",
			"portfolio_id": pos.PortfolioID,
			"symbol":       pos.Symbol,
		}).WithError(err).Error("Failed to create position")

		return err
	}
	return nil
}

// UpdateVersioned writes every mutable field of pos if the stored version still equals
// pos.Version, then bumps pos.Version. It returns false when another writer got there first.
func (r *PositionRepository) UpdateVersioned(ctx context.Context, pos *model.Position) (bool, error) {
	expected := pos.Version

	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND version = ?", pos.ID, expected).
		Updates(map[string]interface{}{
			"quantity":                pos.Quantity,
			"average_cost":            pos.AverageCost,
			"current_value":           pos.CurrentValue,
			"unrealized_gain":         pos.UnrealizedGain,
			"unrealized_gain_percent": pos.UnrealizedGainPercent,
			"realized_gain":           pos.RealizedGain,
			"day_change":              pos.DayChange,
			"day_change_percent":      pos.DayChangePercent,
			"active":                  pos.Active,
			"opened_at":               pos.OpenedAt,
			"last_updated":            pos.LastUpdated,
			"version":                 expected + 1,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "UpdateVersioned",
			"position_id": pos.ID,
		}).WithError(res.Error).Error("Failed to update position")

		return false, res.Error
	}

	if res.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "UpdateVersioned",
			"position_id": pos.ID,
			"version":     expected,
		}).Warn("Position version moved, write rejected")

		return false, nil
	}

	pos.Version = expected + 1
	return true, nil
}

// ListActiveBySymbol returns every open position on a symbol across portfolios.
func (r *PositionRepository) ListActiveBySymbol(ctx context.Context, symbol string) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND active = ?", symbol, true).
		Order("id ASC").
		Find(&positions).Error
	return positions, err
}

// ListActiveByPortfolio returns the open positions of one portfolio.
func (r *PositionRepository) ListActiveByPortfolio(ctx context.Context, portfolioID uint) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ? AND active = ?", portfolioID, true).
		Order("id ASC").
		Find(&positions).Error
	return positions, err
}
