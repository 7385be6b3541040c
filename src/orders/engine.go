// Package orders validates, places and executes buy and sell orders against the
// quote cache, producing trade transactions.
package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/apperrors"
	"brokerledger/src/model"
	"brokerledger/src/repository"
	"brokerledger/src/transactions"
	"brokerledger/src/utils"
)

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// QuoteRefresher fetches a fresh quote for one symbol, bypassing the schedule.
type QuoteRefresher interface {
	RefreshSymbol(ctx context.Context, symbol string) (model.Quote, error)
}

// TransactionRecorder creates trade transactions and fails them when the order
// cannot be booked.
type TransactionRecorder interface {
	CreateTransaction(ctx context.Context, req transactions.Request) (*model.Transaction, error)
	FailTransaction(ctx context.Context, id uint, reason string) (*model.Transaction, error)
}

// Holdings answers balance questions for pre-trade checks.
type Holdings interface {
	GetCashBalance(ctx context.Context, portfolioID uint) (decimal.Decimal, error)
	GetCurrentQuantity(ctx context.Context, portfolioID uint, symbol string) (decimal.Decimal, error)
}

// PlaceRequest is an order as submitted by a caller.
type PlaceRequest struct {
	PortfolioID uint                `json:"portfolio_id"`
	Symbol      string              `json:"symbol"`
	Side        model.OrderSide     `json:"side"`
	Type        model.OrderType     `json:"type"`
	Quantity    decimal.Decimal     `json:"quantity"`
	LimitPrice  decimal.NullDecimal `json:"limit_price"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
}

type Engine struct {
	orders     *repository.OrderRepository
	quotes     QuoteSource
	refresher  QuoteRefresher
	txns       TransactionRecorder
	holdings   Holdings
	securities transactions.SecurityResolver
	exceptions utils.ExceptionRecorder
	cfg        Config
	now        utils.Clock
	log        *logger.Entry

	// orders currently being executed; a second executor backs off
	inflight sync.Map
}

func NewEngine(
	db *gorm.DB,
	quotes QuoteSource,
	txns TransactionRecorder,
	holdings Holdings,
	securities transactions.SecurityResolver,
	cfg Config,
) *Engine {
	return &Engine{
		orders:     repository.NewOrderRepositoryWithDB(db),
		quotes:     quotes,
		txns:       txns,
		holdings:   holdings,
		securities: securities,
		cfg:        cfg,
		now:        utils.UTCNow,
		log:        logger.WithField("component", "OrderEngine"),
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(clock utils.Clock) *Engine {
	e.now = clock
	return e
}

// SetRefresher attaches the market-data scheduler used when the cache has no usable price.
func (e *Engine) SetRefresher(r QuoteRefresher) {
	e.refresher = r
}

// SetExceptionRecorder persists unexpected execution failures.
func (e *Engine) SetExceptionRecorder(r utils.ExceptionRecorder) {
	e.exceptions = r
}

// CalculateFees returns total * rate clamped to [MinFee, MaxFee], rounded to cents.
func (e *Engine) CalculateFees(total decimal.Decimal) decimal.Decimal {
	fee := total.Mul(e.cfg.FeeRate)
	if fee.LessThan(e.cfg.MinFee) {
		fee = e.cfg.MinFee
	}
	if fee.GreaterThan(e.cfg.MaxFee) {
		fee = e.cfg.MaxFee
	}
	return fee.Round(2)
}

func validatePlace(req PlaceRequest, now time.Time) error {
	if req.PortfolioID == 0 {
		return apperrors.Validation("portfolio is required")
	}
	if req.Side != model.OrderSideBuy && req.Side != model.OrderSideSell {
		return apperrors.Validation("unknown side %q", req.Side)
	}
	if req.Type != model.OrderTypeMarket && req.Type != model.OrderTypeLimit {
		return apperrors.Validation("unknown order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return apperrors.Validation("quantity must be positive")
	}
	if req.Type.RequiresPrice() && (!req.LimitPrice.Valid || !req.LimitPrice.Decimal.IsPositive()) {
		return apperrors.Validation("%s orders require a positive limit price", req.Type)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return apperrors.Validation("expiry must be in the future")
	}
	return nil
}

// PlaceOrder validates req and persists the order PENDING. Market orders are executed
// immediately; limit orders execute immediately only when the cached price satisfies the limit.
// When execution fails the returned order is FAILED and the cause is returned alongside it.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	now := e.now()
	if err := validatePlace(req, now); err != nil {
		return nil, err
	}

	sec, err := e.securities.Resolve(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	if req.Side == model.OrderSideSell {
		held, err := e.holdings.GetCurrentQuantity(ctx, req.PortfolioID, sec.Symbol)
		if err != nil {
			return nil, err
		}
		if req.Quantity.GreaterThan(held) {
			return nil, apperrors.ErrInsufficientShares
		}
	}

	order := &model.Order{
		ClientOrderID: uuid.NewString(),
		PortfolioID:   req.PortfolioID,
		SecurityID:    sec.ID,
		Symbol:        sec.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Status:        model.OrderStatusPending,
		PlacedAt:      now,
		ExpiresAt:     req.ExpiresAt,
	}
	if req.Type == model.OrderTypeLimit {
		order.LimitPrice = req.LimitPrice
		if order.ExpiresAt == nil && e.cfg.DefaultOrderTTL > 0 {
			expires := now.Add(e.cfg.DefaultOrderTTL)
			order.ExpiresAt = &expires
		}
	}

	if err := e.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	if order.Type == model.OrderTypeMarket {
		return e.execute(ctx, order, decimal.Zero)
	}

	if price, ok := e.quotes.Price(order.Symbol); ok && order.LimitSatisfied(price) {
		return e.execute(ctx, order, price)
	}
	return order, nil
}

// execute runs an open order at price, or at the resolved market price when price is zero.
// A limit order whose limit is not met stays PENDING.
func (e *Engine) execute(ctx context.Context, order *model.Order, price decimal.Decimal) (*model.Order, error) {
	if _, busy := e.inflight.LoadOrStore(order.ID, struct{}{}); busy {
		return order, apperrors.InvalidState("order %d is already executing", order.ID)
	}
	defer e.inflight.Delete(order.ID)

	entry := e.log.WithFields(map[string]interface{}{
		"order_id": order.ID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"type":     order.Type,
	})

	if !price.IsPositive() {
		p, err := e.marketPrice(ctx, order.Symbol)
		if err != nil {
			if order.Type == model.OrderTypeLimit {
				entry.WithError(err).Debug("No price for limit order, leaving it pending")
				return order, nil
			}
			return e.fail(ctx, order, err)
		}
		price = p
	}

	if !order.LimitSatisfied(price) {
		entry.WithField("price", price.String()).Debug("Limit not satisfied")
		return order, nil
	}

	total := order.Quantity.Mul(price)
	fees := e.CalculateFees(total)

	if err := e.checkFunds(ctx, order, total.Add(fees)); err != nil {
		return e.fail(ctx, order, err)
	}

	txnType := model.TransactionTypeBuy
	if order.Side == model.OrderSideSell {
		txnType = model.TransactionTypeSell
	}

	orderID := order.ID
	txn, err := e.txns.CreateTransaction(ctx, transactions.Request{
		PortfolioID: order.PortfolioID,
		SecurityID:  order.SecurityID,
		Symbol:      order.Symbol,
		OrderID:     &orderID,
		Type:        txnType,
		Quantity:    order.Quantity,
		Price:       price,
		Fees:        fees,
	})
	if err != nil {
		return e.fail(ctx, order, err)
	}

	executedAt := e.now()
	ok, err := e.orders.Transition(ctx, order, model.OpenOrderStatuses, model.OrderStatusExecuted, "executed",
		map[string]interface{}{
			"filled_quantity":    order.Quantity,
			"average_fill_price": price,
			"total_fees":         fees,
			"transaction_id":     txn.ID,
			"executed_at":        executedAt,
		})
	if err != nil || !ok {
		// the order was closed underneath us; undo the trade
		if _, cerr := e.txns.FailTransaction(ctx, txn.ID, "order no longer open"); cerr != nil {
			entry.WithError(cerr).Error("Failed to reverse transaction of a closed order")
			utils.Capture(ctx, e.exceptions, "orders", "execute", "error", cerr,
				map[string]interface{}{"order_id": order.ID, "transaction_id": txn.ID})
		}
		if err != nil {
			return order, err
		}
		return order, apperrors.InvalidState("order %d is no longer open", order.ID)
	}

	order.Status = model.OrderStatusExecuted
	order.FilledQuantity = order.Quantity
	order.AverageFillPrice = price
	order.TotalFees = fees
	order.TransactionID = &txn.ID
	order.ExecutedAt = &executedAt

	entry.WithFields(map[string]interface{}{
		"price":          price.String(),
		"fees":           fees.String(),
		"transaction_id": txn.ID,
	}).Info("Order executed")

	return order, nil
}

// marketPrice reads the cache and falls back to a synchronous refresh.
func (e *Engine) marketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := e.quotes.Price(symbol); ok {
		return p, nil
	}
	if e.refresher == nil {
		return decimal.Zero, apperrors.ErrNoMarketPrice
	}

	q, err := e.refresher.RefreshSymbol(ctx, symbol)
	if err != nil {
		e.log.WithField("symbol", symbol).WithError(err).Warn("Forced quote refresh failed")
		return decimal.Zero, apperrors.ErrNoMarketPrice
	}
	if !q.Usable() {
		return decimal.Zero, apperrors.ErrNoMarketPrice
	}
	return q.CurrentPrice, nil
}

// checkFunds re-validates cash for buys and holdings for sells at execution time.
func (e *Engine) checkFunds(ctx context.Context, order *model.Order, required decimal.Decimal) error {
	if order.Side == model.OrderSideBuy {
		cash, err := e.holdings.GetCashBalance(ctx, order.PortfolioID)
		if err != nil {
			return err
		}
		if cash.LessThan(required) {
			return apperrors.ErrInsufficientFunds
		}
		return nil
	}

	held, err := e.holdings.GetCurrentQuantity(ctx, order.PortfolioID, order.Symbol)
	if err != nil {
		return err
	}
	if order.Quantity.GreaterThan(held) {
		return apperrors.ErrInsufficientShares
	}
	return nil
}

// fail marks the order FAILED with cause as reason and returns cause.
func (e *Engine) fail(ctx context.Context, order *model.Order, cause error) (*model.Order, error) {
	reason := cause.Error()

	kind := apperrors.KindOf(cause)
	if kind == apperrors.KindPositionCalculation || kind == apperrors.KindInternal {
		utils.Capture(ctx, e.exceptions, "orders", "execute", "error", cause,
			map[string]interface{}{"order_id": order.ID, "symbol": order.Symbol})
	}

	ok, err := e.orders.Transition(ctx, order, model.OpenOrderStatuses, model.OrderStatusFailed, reason,
		map[string]interface{}{"failure_reason": reason})
	if err != nil {
		return order, errors.Join(cause, err)
	}
	if ok {
		order.Status = model.OrderStatusFailed
		order.FailureReason = reason
	}

	e.log.WithFields(map[string]interface{}{
		"order_id": order.ID,
		"symbol":   order.Symbol,
		"reason":   reason,
	}).Warn("Order failed")

	return order, cause
}

// CancelOrder cancels an order that is still PENDING or PARTIALLY_FILLED.
func (e *Engine) CancelOrder(ctx context.Context, id uint, reason string) (*model.Order, error) {
	order, err := e.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, apperrors.ErrOrderNotCancellable
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	at := e.now()
	ok, err := e.orders.Transition(ctx, order, model.OpenOrderStatuses, model.OrderStatusCancelled, reason,
		map[string]interface{}{
			"cancellation_reason": reason,
			"cancelled_at":        at,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return order, apperrors.ErrOrderNotCancellable
	}

	order.Status = model.OrderStatusCancelled
	order.CancellationReason = reason
	order.CancelledAt = &at
	return order, nil
}

// GetOrder returns the order with its status history.
func (e *Engine) GetOrder(ctx context.Context, id uint) (*model.Order, error) {
	order, err := e.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperrors.NotFound("order", id)
	}
	return order, nil
}

// ListOrders searches the orders of a portfolio.
func (e *Engine) ListOrders(ctx context.Context, opts repository.OrderSearchOptions) ([]model.Order, error) {
	if opts.PortfolioID == 0 {
		return nil, apperrors.Validation("portfolio is required")
	}
	return e.orders.Search(ctx, opts)
}

// ReevaluateLimitOrders executes the open limit orders on symbol that price satisfies.
// Failures are recorded on the orders themselves; the number executed is returned.
func (e *Engine) ReevaluateLimitOrders(ctx context.Context, symbol string, price decimal.Decimal) (int, error) {
	if !price.IsPositive() {
		return 0, nil
	}

	open, err := e.orders.FindOpenLimitOrders(ctx, model.NormalizeSymbol(symbol))
	if err != nil {
		return 0, err
	}

	executed := 0
	for i := range open {
		order := &open[i]
		if !order.LimitSatisfied(price) {
			continue
		}
		if order.ExpiresAt != nil && !order.ExpiresAt.After(e.now()) {
			continue
		}
		out, err := e.execute(ctx, order, price)
		if err != nil {
			e.log.WithField("order_id", order.ID).WithError(err).Warn("Limit order execution failed")
			continue
		}
		if out.Status == model.OrderStatusExecuted {
			executed++
		}
	}
	return executed, nil
}

// OnQuote re-checks open limit orders against a freshly refreshed quote.
func (e *Engine) OnQuote(ctx context.Context, q model.Quote) {
	if !q.Usable() {
		return
	}
	if _, err := e.ReevaluateLimitOrders(ctx, q.Symbol, q.CurrentPrice); err != nil {
		e.log.WithField("symbol", q.Symbol).WithError(err).Error("Limit order re-evaluation failed")
	}
}

// ExpireOrders moves every open order past its expiry to EXPIRED. Orders that became
// terminal in the meantime are skipped, so the sweep can run any number of times.
func (e *Engine) ExpireOrders(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.orders.FindExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		ok, err := e.orders.Transition(ctx, &due[i], model.OpenOrderStatuses, model.OrderStatusExpired, "expired",
			map[string]interface{}{
				"cancellation_reason": "expired",
				"cancelled_at":        now,
			})
		if err != nil {
			e.log.WithField("order_id", due[i].ID).WithError(err).Error("Failed to expire order")
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		e.log.WithField("expired", expired).Info("Expired open orders")
	}
	return expired, nil
}
