package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/model"
)

// OrderRepository handles read/write operations for orders and their status logs.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepositoryWithDB creates a repository bound to the given connection.
func NewOrderRepositoryWithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// OrderSearchOptions filters Search results. Zero values are ignored.
type OrderSearchOptions struct {
	PortfolioID   uint
	Symbol        *string
	Status        *model.OrderStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ---------------------------------------------------
// Order methods
// ---------------------------------------------------

// Create inserts a new order together with its first status log.
// The given order will be updated with the generated ID and timestamps.
func (r *OrderRepository) Create(
	ctx context.Context,
	order *model.Order,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "OrderRepository",
		"op":     "Create",
		"symbol": order.Symbol,
		"side":   order.Side,
		"qty":    order.Quantity.String(),
	}).Debug("Creating new order")

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		return tx.Create(model.NewOrderLog(order, order.Status, "placed", order.PlacedAt)).Error
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create order")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "Create",
		"order_id": order.ID,
	}).Info("Order created successfully")

	return nil
}

// FindByID fetches a single order by its primary ID, with its status logs.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByID(
	ctx context.Context,
	id uint,
) (*model.Order, error) {

	var order model.Order

	err := r.db.WithContext(ctx).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&order, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "OrderRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Order not found")

			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch order by ID")

		return nil, err
	}

	return &order, nil
}

// Transition moves the order to status `to` only if its current status is one of `from`,
// applying the extra column updates and writing a status log in the same unit.
// It returns false, without error, when the guard did not match.
func (r *OrderRepository) Transition(
	ctx context.Context,
	order *model.Order,
	from []model.OrderStatus,
	to model.OrderStatus,
	reason string,
	fields map[string]interface{},
) (bool, error) {

	entry := logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "Transition",
		"order_id": order.ID,
		"to":       to,
		"reason":   reason,
	})

	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status IN ?", order.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Create(model.NewOrderLog(order, to, reason, time.Now())).Error
	})
	if err != nil {
		entry.WithError(err).Error("Failed to transition order")
		return false, err
	}

	if !applied {
		entry.Warn("Order transition skipped, status guard did not match")
		return false, nil
	}

	entry.Info("Order status updated successfully")
	return true, nil
}

// FindOpenLimitOrders returns pending limit orders on a symbol, oldest first.
func (r *OrderRepository) FindOpenLimitOrders(
	ctx context.Context,
	symbol string,
) ([]model.Order, error) {

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND type = ? AND status IN ?", symbol, model.OrderTypeLimit, model.OpenOrderStatuses).
		Order("placed_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "FindOpenLimitOrders",
			"symbol": symbol,
		}).WithError(err).Error("Failed to fetch open limit orders")

		return nil, err
	}

	return orders, nil
}

// FindExpired returns open orders whose expiry is at or before now.
func (r *OrderRepository) FindExpired(
	ctx context.Context,
	now time.Time,
) ([]model.Order, error) {

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", model.OpenOrderStatuses, now).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindExpired",
		}).WithError(err).Error("Failed to fetch expired orders")

		return nil, err
	}

	return orders, nil
}

// Search lists orders of a portfolio, newest first.
func (r *OrderRepository) Search(
	ctx context.Context,
	options OrderSearchOptions,
) ([]model.Order, error) {

	query := r.db.WithContext(ctx).
		Where("portfolio_id = ?", options.PortfolioID)

	if options.Symbol != nil {
		query = query.Where("symbol = ?", *options.Symbol)
	}
	if options.Status != nil {
		query = query.Where("status = ?", *options.Status)
	}
	if options.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *options.CreatedAfter)
	}
	if options.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *options.CreatedBefore)
	}

	query = query.Order("created_at DESC, id DESC")

	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}

	var orders []model.Order
	if err := query.Find(&orders).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":         "OrderRepository",
			"op":           "Search",
			"portfolio_id": options.PortfolioID,
		}).WithError(err).Error("Failed to search orders")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "OrderRepository",
		"op":          "Search",
		"rows_return": len(orders),
	}).Debug("Orders search completed")

	return orders, nil
}
