// Package ledger maintains positions and cash balances. Every mutation runs in a
// serializable unit guarded by version columns and is retried on write conflicts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/apperrors"
	"brokerledger/src/model"
	"brokerledger/src/repository"
	"brokerledger/src/utils"
)

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	Get(symbol string) (model.Quote, bool)
}

// Fill is an executed quantity of a security at a price.
type Fill struct {
	PortfolioID uint
	SecurityID  uint
	Symbol      string
	Side        model.OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

func (f Fill) validate() error {
	if f.Side != model.OrderSideBuy && f.Side != model.OrderSideSell {
		return apperrors.Validation("unknown side %q", f.Side)
	}
	if !f.Quantity.IsPositive() {
		return apperrors.Validation("quantity must be positive")
	}
	if !f.Price.IsPositive() {
		return apperrors.Validation("price must be positive")
	}
	return nil
}

type Service struct {
	db     *gorm.DB
	quotes QuoteSource
	cfg    Config
	now    utils.Clock
	log    *logger.Entry
}

func NewService(db *gorm.DB, quotes QuoteSource, cfg Config) *Service {
	return &Service{
		db:     db,
		quotes: quotes,
		cfg:    cfg,
		now:    utils.UTCNow,
		log:    logger.WithField("component", "Ledger"),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock utils.Clock) *Service {
	s.now = clock
	return s
}

// RunSerializable runs fn in a serializable unit with the configured conflict retries.
func (s *Service) RunSerializable(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	return RunSerializable(ctx, s.db, s.cfg.MaxRetries, s.cfg.RetryBackoff, op, fn)
}

// ---------------------------------------------------
// Positions
// ---------------------------------------------------

// ApplyFill applies a fill in its own serializable unit.
func (s *Service) ApplyFill(ctx context.Context, fill Fill) (*model.Position, error) {
	var out *model.Position
	err := s.RunSerializable(ctx, "ApplyFill", func(tx *gorm.DB) error {
		pos, err := s.ApplyFillTx(ctx, tx, fill)
		if err != nil {
			return err
		}
		out = pos
		return nil
	})
	return out, err
}

// ApplyFillTx applies a fill inside tx. A sell larger than the holding fails
// with ErrInsufficientShares before anything is written.
func (s *Service) ApplyFillTx(ctx context.Context, tx *gorm.DB, fill Fill) (*model.Position, error) {
	if err := fill.validate(); err != nil {
		return nil, err
	}

	repo := repository.NewPositionRepositoryWithDB(tx)
	now := s.now()

	pos, err := repo.FindByPortfolioAndSecurity(ctx, fill.PortfolioID, fill.SecurityID)
	if err != nil {
		return nil, err
	}

	if pos == nil {
		if fill.Side == model.OrderSideSell {
			return nil, apperrors.ErrInsufficientShares
		}
		pos = &model.Position{
			PortfolioID: fill.PortfolioID,
			SecurityID:  fill.SecurityID,
			Symbol:      model.NormalizeSymbol(fill.Symbol),
		}
		applyBuy(pos, fill.Quantity, fill.Price, now)
		s.markAfterFill(pos, fill.Price, now)
		if err := repo.Create(ctx, pos); err != nil {
			return nil, err
		}
		s.logFill(pos, fill)
		return pos, nil
	}

	if fill.Side == model.OrderSideBuy {
		applyBuy(pos, fill.Quantity, fill.Price, now)
	} else if err := applySell(pos, fill.Quantity, fill.Price, now); err != nil {
		return nil, err
	}
	if pos.Active {
		s.markAfterFill(pos, fill.Price, now)
	}

	if err := s.saveVersioned(ctx, repo, pos); err != nil {
		return nil, err
	}
	s.logFill(pos, fill)
	return pos, nil
}

// ReverseFillTx undoes a previously applied fill inside tx.
func (s *Service) ReverseFillTx(ctx context.Context, tx *gorm.DB, fill Fill) (*model.Position, error) {
	if err := fill.validate(); err != nil {
		return nil, err
	}

	repo := repository.NewPositionRepositoryWithDB(tx)
	now := s.now()

	pos, err := repo.FindByPortfolioAndSecurity(ctx, fill.PortfolioID, fill.SecurityID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, apperrors.InvalidState("no position to reverse for portfolio %d security %d", fill.PortfolioID, fill.SecurityID)
	}

	if fill.Side == model.OrderSideBuy {
		if err := reverseBuy(pos, fill.Quantity, fill.Price, now); err != nil {
			return nil, err
		}
	} else {
		reverseSell(pos, fill.Quantity, fill.Price, now)
	}
	if pos.Active {
		s.markAfterFill(pos, fill.Price, now)
	}

	if err := s.saveVersioned(ctx, repo, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// markAfterFill values the position at the cached quote, or at the fill price when the cache has none.
func (s *Service) markAfterFill(pos *model.Position, fillPrice decimal.Decimal, now time.Time) {
	q, ok := s.quote(pos.Symbol)
	if !ok || !q.Usable() {
		q.CurrentPrice = fillPrice
	}
	revalue(pos, q, now)
}

func (s *Service) quote(symbol string) (model.Quote, bool) {
	if s.quotes == nil {
		return model.Quote{}, false
	}
	return s.quotes.Get(symbol)
}

func (s *Service) saveVersioned(ctx context.Context, repo *repository.PositionRepository, pos *model.Position) error {
	ok, err := repo.UpdateVersioned(ctx, pos)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrWriteConflict
	}
	return nil
}

func (s *Service) logFill(pos *model.Position, fill Fill) {
	s.log.WithFields(map[string]interface{}{
		"portfolio_id": fill.PortfolioID,
		"symbol":       pos.Symbol,
		"side":         fill.Side,
		"qty":          fill.Quantity.String(),
		"price":        fill.Price.String(),
		"position_qty": pos.Quantity.String(),
		"avg_cost":     pos.AverageCost.String(),
	}).Info("Fill applied to position")
}

// GetPosition returns the position of a portfolio in symbol, or a not-found error.
func (s *Service) GetPosition(ctx context.Context, portfolioID uint, symbol string) (*model.Position, error) {
	pos, err := repository.NewPositionRepositoryWithDB(s.db).FindByPortfolioAndSymbol(ctx, portfolioID, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, apperrors.NotFound("position", fmt.Sprintf("%d/%s", portfolioID, model.NormalizeSymbol(symbol)))
	}
	return pos, nil
}

// GetCurrentQuantity returns the held quantity, zero when nothing is held.
func (s *Service) GetCurrentQuantity(ctx context.Context, portfolioID uint, symbol string) (decimal.Decimal, error) {
	pos, err := repository.NewPositionRepositoryWithDB(s.db).FindByPortfolioAndSymbol(ctx, portfolioID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil || !pos.Active {
		return decimal.Zero, nil
	}
	return pos.Quantity, nil
}

// GetCurrentValue marks the holding to the cached price, falling back to the stored value.
func (s *Service) GetCurrentValue(ctx context.Context, portfolioID uint, symbol string) (decimal.Decimal, error) {
	pos, err := repository.NewPositionRepositoryWithDB(s.db).FindByPortfolioAndSymbol(ctx, portfolioID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil || !pos.Active {
		return decimal.Zero, nil
	}
	if q, ok := s.quote(pos.Symbol); ok && q.Usable() {
		return pos.Quantity.Mul(q.CurrentPrice), nil
	}
	return pos.CurrentValue, nil
}

// RefreshPosition revalues one position against the quote cache.
// Without a usable price the stored values are kept.
func (s *Service) RefreshPosition(ctx context.Context, positionID uint) (*model.Position, error) {
	var out *model.Position
	err := s.RunSerializable(ctx, "RefreshPosition", func(tx *gorm.DB) error {
		repo := repository.NewPositionRepositoryWithDB(tx)
		pos, err := repo.FindByID(ctx, positionID)
		if err != nil {
			return err
		}
		if pos == nil {
			return apperrors.NotFound("position", positionID)
		}

		q, _ := s.quote(pos.Symbol)
		if revalue(pos, q, s.now()) {
			if err := s.saveVersioned(ctx, repo, pos); err != nil {
				return err
			}
		}
		out = pos
		return nil
	})
	return out, err
}

// RefreshAllPositions revalues every active position on symbol. Individual failures are
// logged and skipped; the number of refreshed positions is returned.
func (s *Service) RefreshAllPositions(ctx context.Context, symbol string) (int, error) {
	positions, err := repository.NewPositionRepositoryWithDB(s.db).ListActiveBySymbol(ctx, model.NormalizeSymbol(symbol))
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for i := range positions {
		if _, err := s.RefreshPosition(ctx, positions[i].ID); err != nil {
			s.log.WithFields(map[string]interface{}{
				"position_id": positions[i].ID,
				"symbol":      symbol,
			}).WithError(err).Warn("Position refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// ---------------------------------------------------
// Cash
// ---------------------------------------------------

// GetCashBalance returns the cash balance of a portfolio.
func (s *Service) GetCashBalance(ctx context.Context, portfolioID uint) (decimal.Decimal, error) {
	p, err := repository.NewPortfolioRepositoryWithDB(s.db).FindByID(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, err
	}
	if p == nil {
		return decimal.Zero, apperrors.NotFound("portfolio", portfolioID)
	}
	return p.CashBalance, nil
}

// AdjustCashBalance applies a signed delta in its own serializable unit.
func (s *Service) AdjustCashBalance(ctx context.Context, portfolioID uint, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.RunSerializable(ctx, "AdjustCashBalance", func(tx *gorm.DB) error {
		b, err := s.AdjustCashTx(ctx, tx, portfolioID, delta)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

// AdjustCashTx applies a signed delta inside tx and returns the new balance.
// A result below zero fails with ErrNegativeBalance and writes nothing.
func (s *Service) AdjustCashTx(ctx context.Context, tx *gorm.DB, portfolioID uint, delta decimal.Decimal) (decimal.Decimal, error) {
	repo := repository.NewPortfolioRepositoryWithDB(tx)

	p, err := repo.FindByID(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, err
	}
	if p == nil {
		return decimal.Zero, apperrors.NotFound("portfolio", portfolioID)
	}

	balance := p.CashBalance.Add(delta)
	if balance.IsNegative() {
		return decimal.Zero, apperrors.ErrNegativeBalance
	}

	ok, err := repo.UpdateCashVersioned(ctx, p.ID, p.Version, balance)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, apperrors.ErrWriteConflict
	}

	s.log.WithFields(map[string]interface{}{
		"portfolio_id": portfolioID,
		"delta":        delta.String(),
		"balance":      balance.String(),
	}).Debug("Cash balance adjusted")

	return balance, nil
}

// ---------------------------------------------------
// Portfolio valuation
// ---------------------------------------------------

// RecomputePortfolioValue stores cash plus the current value of every active position.
func (s *Service) RecomputePortfolioValue(ctx context.Context, portfolioID uint) (decimal.Decimal, error) {
	return s.RecomputePortfolioValueTx(ctx, s.db, portfolioID)
}

// RecomputePortfolioValueTx is RecomputePortfolioValue on the given connection.
func (s *Service) RecomputePortfolioValueTx(ctx context.Context, tx *gorm.DB, portfolioID uint) (decimal.Decimal, error) {
	portfolios := repository.NewPortfolioRepositoryWithDB(tx)

	p, err := portfolios.FindByID(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, err
	}
	if p == nil {
		return decimal.Zero, apperrors.NotFound("portfolio", portfolioID)
	}

	positions, err := repository.NewPositionRepositoryWithDB(tx).ListActiveByPortfolio(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, err
	}

	total := p.CashBalance
	for i := range positions {
		total = total.Add(positions[i].CurrentValue)
	}

	if err := portfolios.UpdateTotalValue(ctx, portfolioID, total, s.now()); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// RecomputeAllPortfolioValues revalues every portfolio, skipping failures.
func (s *Service) RecomputeAllPortfolioValues(ctx context.Context) (int, error) {
	ids, err := repository.NewPortfolioRepositoryWithDB(s.db).ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		if _, err := s.RecomputePortfolioValue(ctx, id); err != nil {
			s.log.WithField("portfolio_id", id).WithError(err).Warn("Portfolio valuation failed")
			continue
		}
		done++
	}
	return done, nil
}
