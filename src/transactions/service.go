// Package transactions records cash and share movements, applies their effects
// through the ledger and hands their settlement instant to the settlement scheduler.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/apperrors"
	"brokerledger/src/calendar"
	"brokerledger/src/ledger"
	"brokerledger/src/model"
	"brokerledger/src/repository"
	"brokerledger/src/utils"
)

// SettlementSignals receives settlement instants of new transactions and
// cancellations of pending ones. Implementations must not block.
type SettlementSignals interface {
	ScheduleSettlement(transactionID uint, at time.Time)
	CancelSettlement(transactionID uint)
}

// SecurityResolver maps a symbol to a registered security.
type SecurityResolver interface {
	Resolve(ctx context.Context, symbol string) (*model.Security, error)
}

// Request describes a transaction to record. Trade types need Symbol (or SecurityID),
// Quantity and Price; cash types need Amount.
type Request struct {
	PortfolioID     uint
	SecurityID      uint
	Symbol          string
	OrderID         *uint
	Type            model.TransactionType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fees            decimal.Decimal
	Tax             decimal.Decimal
	TransactionDate time.Time
	SettlementDate  *time.Time
}

type Service struct {
	db             *gorm.DB
	ledger         *ledger.Service
	securities     SecurityResolver
	signals        SettlementSignals
	settlementDays int
	holidays       calendar.HolidayCalendar
	now            utils.Clock
	log            *logger.Entry
}

func NewService(
	db *gorm.DB,
	led *ledger.Service,
	securities SecurityResolver,
	settlementDays int,
	holidays calendar.HolidayCalendar,
) *Service {
	if holidays == nil {
		holidays = calendar.WeekendsOnly{}
	}
	return &Service{
		db:             db,
		ledger:         led,
		securities:     securities,
		settlementDays: settlementDays,
		holidays:       holidays,
		now:            utils.UTCNow,
		log:            logger.WithField("component", "Transactions"),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock utils.Clock) *Service {
	s.now = clock
	return s
}

// SetSignals attaches the settlement scheduler. It is set after construction because
// the scheduler itself reads transactions through this service.
func (s *Service) SetSignals(signals SettlementSignals) {
	s.signals = signals
}

func (s *Service) repo(db *gorm.DB) *repository.TransactionRepository {
	return repository.NewTransactionRepositoryWithDB(db)
}

func validate(req Request) error {
	if req.PortfolioID == 0 {
		return apperrors.Validation("portfolio is required")
	}
	if !req.Type.Valid() {
		return apperrors.Validation("unknown transaction type %q", req.Type)
	}
	if req.Fees.IsNegative() || req.Tax.IsNegative() {
		return apperrors.Validation("fees and tax must not be negative")
	}

	if req.Type.IsTrade() {
		if req.Symbol == "" && req.SecurityID == 0 {
			return apperrors.Validation("%s requires a security", req.Type)
		}
		if !req.Quantity.IsPositive() {
			return apperrors.Validation("quantity must be positive")
		}
		if !req.Price.IsPositive() {
			return apperrors.Validation("price must be positive")
		}
		return nil
	}

	if !req.Amount.IsPositive() {
		return apperrors.Validation("amount must be positive")
	}
	return nil
}

// amounts returns gross and net: debits add fees and tax, credits deduct them.
func amounts(req Request) (decimal.Decimal, decimal.Decimal) {
	gross := req.Amount
	if req.Type.IsTrade() {
		gross = req.Quantity.Mul(req.Price)
	}
	charges := req.Fees.Add(req.Tax)
	if req.Type.IsDebit() {
		return gross, gross.Add(charges)
	}
	return gross, gross.Sub(charges)
}

// SettlementDateFor returns the settlement instant of a transaction of type t made at at.
func (s *Service) SettlementDateFor(t model.TransactionType, at time.Time) time.Time {
	if t.IsTrade() {
		return calendar.SettlementDate(at, s.settlementDays, s.holidays)
	}
	return at
}

// CreateTransaction validates req, records it PENDING and applies its cash and position
// effects in one serializable unit, then schedules its settlement.
// A debit that would overdraw cash, or a sell of shares not held, is recorded FAILED and
// returned together with an insufficiency error.
func (s *Service) CreateTransaction(ctx context.Context, req Request) (*model.Transaction, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	gross, net := amounts(req)
	if net.IsNegative() {
		return nil, apperrors.Validation("fees and tax exceed the gross amount")
	}

	txDate := req.TransactionDate
	if txDate.IsZero() {
		txDate = s.now()
	}
	settleAt := s.SettlementDateFor(req.Type, txDate)
	if req.SettlementDate != nil {
		if req.SettlementDate.Before(txDate) {
			return nil, apperrors.Validation("settlement date precedes transaction date")
		}
		settleAt = *req.SettlementDate
	}

	txn := &model.Transaction{
		PortfolioID:     req.PortfolioID,
		OrderID:         req.OrderID,
		Type:            req.Type,
		Status:          model.TransactionStatusPending,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Amount:          gross,
		Fees:            req.Fees,
		Tax:             req.Tax,
		NetAmount:       net,
		TransactionDate: txDate,
		SettlementDate:  &settleAt,
	}

	if req.Type.IsTrade() || req.Symbol != "" || req.SecurityID != 0 {
		sec, err := s.security(ctx, req)
		if err != nil {
			return nil, err
		}
		txn.SecurityID = &sec.ID
		txn.Symbol = sec.Symbol
	}

	err := s.ledger.RunSerializable(ctx, "CreateTransaction", func(tx *gorm.DB) error {
		txn.ID = 0
		if err := s.repo(tx).Create(ctx, txn); err != nil {
			return err
		}
		return s.applyEffects(ctx, tx, txn)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNegativeBalance) || errors.Is(err, apperrors.ErrInsufficientShares) {
			return s.recordFailed(ctx, txn, insufficiency(txn.Type, err))
		}
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"transaction_id": txn.ID,
		"portfolio_id":   txn.PortfolioID,
		"type":           txn.Type,
		"net":            txn.NetAmount.String(),
		"settles_at":     settleAt,
	}).Info("Transaction recorded")

	if s.signals != nil {
		s.signals.ScheduleSettlement(txn.ID, settleAt)
	}
	return txn, nil
}

func (s *Service) security(ctx context.Context, req Request) (*model.Security, error) {
	if req.SecurityID != 0 {
		sec, err := repository.NewSecurityRepositoryWithDB(s.db).FindByID(ctx, req.SecurityID)
		if err != nil {
			return nil, err
		}
		if sec == nil {
			return nil, apperrors.NotFound("security", req.SecurityID)
		}
		return sec, nil
	}
	if s.securities == nil {
		return nil, apperrors.ErrUnknownSymbol
	}
	return s.securities.Resolve(ctx, req.Symbol)
}

func insufficiency(t model.TransactionType, err error) error {
	if errors.Is(err, apperrors.ErrInsufficientShares) {
		return apperrors.ErrInsufficientShares
	}
	if t == model.TransactionTypeBuy {
		return apperrors.ErrInsufficientFunds
	}
	return apperrors.ErrNegativeBalance
}

func (s *Service) recordFailed(ctx context.Context, txn *model.Transaction, cause error) (*model.Transaction, error) {
	failed := *txn
	failed.ID = 0
	failed.Status = model.TransactionStatusFailed
	failed.FailureReason = cause.Error()
	failed.SettlementDate = nil

	if err := s.repo(s.db).Create(ctx, &failed); err != nil {
		return nil, fmt.Errorf("record failed transaction: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"transaction_id": failed.ID,
		"portfolio_id":   failed.PortfolioID,
		"type":           failed.Type,
		"reason":         failed.FailureReason,
	}).Warn("Transaction failed")

	return &failed, cause
}

func (s *Service) fillOf(txn *model.Transaction) ledger.Fill {
	side := model.OrderSideBuy
	if txn.Type == model.TransactionTypeSell {
		side = model.OrderSideSell
	}
	var secID uint
	if txn.SecurityID != nil {
		secID = *txn.SecurityID
	}
	return ledger.Fill{
		PortfolioID: txn.PortfolioID,
		SecurityID:  secID,
		Symbol:      txn.Symbol,
		Side:        side,
		Quantity:    txn.Quantity,
		Price:       txn.Price,
	}
}

func (s *Service) applyEffects(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	if txn.Type.IsTrade() {
		if _, err := s.ledger.ApplyFillTx(ctx, tx, s.fillOf(txn)); err != nil {
			return err
		}
	}
	if _, err := s.ledger.AdjustCashTx(ctx, tx, txn.PortfolioID, txn.CashDelta()); err != nil {
		return err
	}
	_, err := s.ledger.RecomputePortfolioValueTx(ctx, tx, txn.PortfolioID)
	return err
}

func (s *Service) reverseEffects(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	if txn.Type.IsTrade() {
		if _, err := s.ledger.ReverseFillTx(ctx, tx, s.fillOf(txn)); err != nil {
			return err
		}
	}
	if _, err := s.ledger.AdjustCashTx(ctx, tx, txn.PortfolioID, txn.CashDelta().Neg()); err != nil {
		return err
	}
	_, err := s.ledger.RecomputePortfolioValueTx(ctx, tx, txn.PortfolioID)
	return err
}

// CompleteTransaction settles a PENDING transaction whose settlement instant has passed.
// It reports false when there was nothing to do, so repeated calls are harmless.
func (s *Service) CompleteTransaction(ctx context.Context, id uint) (bool, error) {
	done, err := s.repo(s.db).MarkCompleted(ctx, id, s.now())
	if err != nil {
		return false, err
	}
	if done {
		s.log.WithField("transaction_id", id).Info("Transaction settled")
	}
	return done, nil
}

// CancelTransaction cancels a PENDING transaction, reverses its effects and disarms its timer.
func (s *Service) CancelTransaction(ctx context.Context, id uint, reason string) (*model.Transaction, error) {
	return s.close(ctx, id, model.TransactionStatusCancelled, reason)
}

// FailTransaction marks a PENDING transaction FAILED, reversing its effects.
func (s *Service) FailTransaction(ctx context.Context, id uint, reason string) (*model.Transaction, error) {
	return s.close(ctx, id, model.TransactionStatusFailed, reason)
}

func (s *Service) close(ctx context.Context, id uint, status model.TransactionStatus, reason string) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.ledger.RunSerializable(ctx, "CloseTransaction", func(tx *gorm.DB) error {
		repo := s.repo(tx)
		txn, err := repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if txn == nil {
			return apperrors.NotFound("transaction", id)
		}
		if txn.Status != model.TransactionStatusPending {
			return apperrors.InvalidState("transaction %d is %s", id, txn.Status)
		}

		ok, err := repo.CloseIfPending(ctx, id, status, reason)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.ErrWriteConflict
		}
		if err := s.reverseEffects(ctx, tx, txn); err != nil {
			return err
		}

		txn.Status = status
		txn.FailureReason = reason
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.signals != nil {
		s.signals.CancelSettlement(id)
	}

	s.log.WithFields(map[string]interface{}{
		"transaction_id": id,
		"status":         status,
		"reason":         reason,
	}).Info("Transaction closed")

	return out, nil
}

// GetTransaction returns a transaction or a not-found error.
func (s *Service) GetTransaction(ctx context.Context, id uint) (*model.Transaction, error) {
	txn, err := s.repo(s.db).FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, apperrors.NotFound("transaction", id)
	}
	return txn, nil
}

// ListPendingSettlements returns every PENDING transaction with a settlement instant.
func (s *Service) ListPendingSettlements(ctx context.Context) ([]model.Transaction, error) {
	return s.repo(s.db).FindScheduled(ctx)
}

// ListDueSettlements returns PENDING transactions due at or before asOf.
func (s *Service) ListDueSettlements(ctx context.Context, asOf time.Time) ([]model.Transaction, error) {
	return s.repo(s.db).FindDue(ctx, asOf)
}

// ListByPortfolio returns the latest transactions of a portfolio.
func (s *Service) ListByPortfolio(ctx context.Context, portfolioID uint, limit int) ([]model.Transaction, error) {
	return s.repo(s.db).ListByPortfolio(ctx, portfolioID, limit)
}
