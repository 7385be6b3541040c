package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/model"
)

// TransactionRepository persists cash and share movements.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepositoryWithDB creates a repository bound to the given connection.
func NewTransactionRepositoryWithDB(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create inserts a new transaction row.
func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":         "TransactionRepository",
			"op":           "Create",
			"portfolio_id": txn.PortfolioID,
			"type":         txn.Type,
		}).WithError(err).Error("Failed to create transaction")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":           "TransactionRepository",
		"op":             "Create",
		"transaction_id": txn.ID,
		"type":           txn.Type,
		"status":         txn.Status,
	}).Debug("Transaction created")

	return nil
}

// FindByID returns (nil, nil) if the transaction does not exist.
func (r *TransactionRepository) FindByID(ctx context.Context, id uint) (*model.Transaction, error) {
	var txn model.Transaction

	err := r.db.WithContext(ctx).First(&txn, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "TransactionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch transaction by ID")

		return nil, err
	}

	return &txn, nil
}

// MarkCompleted moves a PENDING transaction whose settlement instant has been reached
// to COMPLETED. It returns false when the row was not PENDING or is not yet due,
// which makes repeated calls harmless.
func (r *TransactionRepository) MarkCompleted(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ? AND (settlement_date IS NULL OR settlement_date <= ?)",
			id, model.TransactionStatusPending, now).
		Updates(map[string]interface{}{
			"status":     model.TransactionStatusCompleted,
			"settled_at": now,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TransactionRepository",
			"op":   "MarkCompleted",
			"id":   id,
		}).WithError(res.Error).Error("Failed to complete transaction")

		return false, res.Error
	}

	return res.RowsAffected == 1, nil
}

// CloseIfPending moves a PENDING transaction to the given terminal status with a reason.
func (r *TransactionRepository) CloseIfPending(
	ctx context.Context,
	id uint,
	status model.TransactionStatus,
	reason string,
) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(map[string]interface{}{
			"status":         status,
			"failure_reason": reason,
		})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TransactionRepository",
			"op":     "CloseIfPending",
			"id":     id,
			"status": status,
		}).WithError(res.Error).Error("Failed to close transaction")

		return false, res.Error
	}

	return res.RowsAffected == 1, nil
}

// FindDue returns PENDING transactions whose settlement instant is at or before asOf.
func (r *TransactionRepository) FindDue(ctx context.Context, asOf time.Time) ([]model.Transaction, error) {
	var txns []model.Transaction

	err := r.db.WithContext(ctx).
		Where("status = ? AND settlement_date <= ?", model.TransactionStatusPending, asOf).
		Order("settlement_date ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TransactionRepository",
			"op":   "FindDue",
		}).WithError(err).Error("Failed to fetch due transactions")

		return nil, err
	}

	return txns, nil
}

// FindScheduled returns every PENDING transaction carrying a settlement instant.
func (r *TransactionRepository) FindScheduled(ctx context.Context) ([]model.Transaction, error) {
	var txns []model.Transaction

	err := r.db.WithContext(ctx).
		Where("status = ? AND settlement_date IS NOT NULL", model.TransactionStatusPending).
		Order("settlement_date ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TransactionRepository",
			"op":   "FindScheduled",
		}).WithError(err).Error("Failed to fetch scheduled transactions")

		return nil, err
	}

	return txns, nil
}

// ListByPortfolio returns the most recent transactions of a portfolio.
func (r *TransactionRepository) ListByPortfolio(ctx context.Context, portfolioID uint, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var txns []model.Transaction
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("transaction_date DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}

	return txns, nil
}
