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

// SecurityRepository stores securities and their persisted quote fields.
type SecurityRepository struct {
	db     *gorm.DB
	reader *gorm.DB
}

// NewSecurityRepositoryWithDB creates a repository reading and writing through db.
func NewSecurityRepositoryWithDB(db *gorm.DB) *SecurityRepository {
	return &SecurityRepository{db: db, reader: db}
}

// WithReader returns a copy that serves ListActive from reader.
func (r *SecurityRepository) WithReader(reader *gorm.DB) *SecurityRepository {
	return &SecurityRepository{db: r.db, reader: reader}
}

// FindBySymbol returns (nil, nil) when the symbol is not registered.
func (r *SecurityRepository) FindBySymbol(ctx context.Context, symbol string) (*model.Security, error) {
	var sec model.Security
	err := r.db.WithContext(ctx).
		Where("symbol = ?", model.NormalizeSymbol(symbol)).
		First(&sec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "SecurityRepository",
			"op":     "FindBySymbol",
			"symbol": symbol,
		}).WithError(err).Error("Failed to fetch security")

		return nil, err
	}
	return &sec, nil
}

// FindByID returns (nil, nil) when the security does not exist.
func (r *SecurityRepository) FindByID(ctx context.Context, id uint) (*model.Security, error) {
	var sec model.Security
	err := r.db.WithContext(ctx).First(&sec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sec, nil
}

// Create registers a new security.
func (r *SecurityRepository) Create(ctx context.Context, sec *model.Security) error {
	sec.Symbol = model.NormalizeSymbol(sec.Symbol)
	if err := r.db.WithContext(ctx).Create(sec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "SecurityRepository",
			"op":     "Create",
			"symbol": sec.Symbol,
		}).WithError(err).Error("Failed to create security")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "SecurityRepository",
		"op":          "Create",
		"symbol":      sec.Symbol,
		"security_id": sec.ID,
	}).Info("Security registered")

	return nil
}

// ListActive returns every active security ordered by symbol.
func (r *SecurityRepository) ListActive(ctx context.Context) ([]model.Security, error) {
	var secs []model.Security
	err := r.reader.WithContext(ctx).
		Where("active = ?", true).
		Order("symbol ASC").
		Find(&secs).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SecurityRepository",
			"op":   "ListActive",
		}).WithError(err).Error("Failed to list active securities")

		return nil, err
	}
	return secs, nil
}

// UpdateQuote persists the current price and intraday change of a quote.
func (r *SecurityRepository) UpdateQuote(ctx context.Context, q model.Quote) error {
	return r.db.WithContext(ctx).
		Model(&model.Security{}).
		Where("symbol = ?", q.Symbol).
		Updates(map[string]interface{}{
			"current_price":        q.CurrentPrice,
			"price_change":         q.PriceChange,
			"price_change_percent": q.PriceChangePercent,
			"price_updated_at":     q.UpdatedAt,
		}).Error
}

// ResetPreviousClose anchors the day's change calculation.
func (r *SecurityRepository) ResetPreviousClose(ctx context.Context, symbol string, previousClose decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&model.Security{}).
		Where("symbol = ?", symbol).
		Updates(map[string]interface{}{
			"previous_close":       previousClose,
			"price_change":         decimal.Zero,
			"price_change_percent": decimal.Zero,
		}).Error
}

// SetClosePrice records the day's final price.
func (r *SecurityRepository) SetClosePrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Security{}).
		Where("symbol = ?", symbol).
		Updates(map[string]interface{}{
			"close_price":      price,
			"price_updated_at": at,
		}).Error
}
