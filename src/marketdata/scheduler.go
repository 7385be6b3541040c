// Package marketdata keeps the quote cache fresh. Active securities are refreshed in
// rate-limited batches behind a circuit breaker, and the day's change is anchored to
// the previous close captured at the open.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"brokerledger/src/apperrors"
	"brokerledger/src/calendar"
	"brokerledger/src/connectors"
	"brokerledger/src/model"
	"brokerledger/src/quotes"
	"brokerledger/src/utils"
)

// SecurityStore persists quote fields on securities.
type SecurityStore interface {
	ListActive(ctx context.Context) ([]model.Security, error)
	UpdateQuote(ctx context.Context, q model.Quote) error
	ResetPreviousClose(ctx context.Context, symbol string, previousClose decimal.Decimal) error
	SetClosePrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
}

// QuoteListener is called after every successfully refreshed quote.
type QuoteListener func(ctx context.Context, q model.Quote)

// RunSummary describes one scheduled refresh.
type RunSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Symbols    int       `json:"symbols"`
	Batches    int       `json:"batches"`
	Refreshed  int       `json:"refreshed"`
	Failed     int       `json:"failed"`
	Skipped    string    `json:"skipped,omitempty"`
	Aborted    bool      `json:"aborted,omitempty"`
}

// Status is what the status endpoint reports.
type Status struct {
	Breaker    BreakerStatus `json:"breaker"`
	Running    bool          `json:"running"`
	TradingDay string        `json:"trading_day,omitempty"`
	CachedSize int           `json:"cached_symbols"`
	LastRun    *RunSummary   `json:"last_run,omitempty"`
}

type Scheduler struct {
	cfg        Config
	provider   connectors.QuoteProvider
	store      SecurityStore
	cache      *quotes.Cache
	breaker    *Breaker
	limiter    *rate.Limiter
	marketOpen func(time.Time) bool
	now        utils.Clock
	exceptions utils.ExceptionRecorder
	listeners  []QuoteListener
	log        *logger.Entry

	running atomic.Bool

	mu         sync.Mutex
	lastRun    *RunSummary
	tradingDay string
}

func NewScheduler(provider connectors.QuoteProvider, store SecurityStore, cache *quotes.Cache, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &Scheduler{
		cfg:        cfg,
		provider:   provider,
		store:      store,
		cache:      cache,
		breaker:    NewBreaker(cfg.FailureThreshold, cfg.Cooldown, utils.UTCNow),
		limiter:    rate.NewLimiter(limit, 1),
		marketOpen: calendar.IsMarketOpen,
		now:        utils.UTCNow,
		log:        logger.WithField("component", "MarketDataScheduler"),
	}
}

// WithClock replaces the time source of the scheduler and its breaker.
func (s *Scheduler) WithClock(clock utils.Clock) *Scheduler {
	s.now = clock
	s.breaker.now = clock
	return s
}

// WithMarketHours replaces the market-hours predicate gating RefreshQuotes.
func (s *Scheduler) WithMarketHours(open func(time.Time) bool) *Scheduler {
	s.marketOpen = open
	return s
}

// OnQuote registers a listener for refreshed quotes.
func (s *Scheduler) OnQuote(l QuoteListener) {
	s.listeners = append(s.listeners, l)
}

// SetExceptionRecorder persists worker panics and failed runs.
func (s *Scheduler) SetExceptionRecorder(r utils.ExceptionRecorder) {
	s.exceptions = r
}

// Breaker exposes the circuit breaker.
func (s *Scheduler) Breaker() *Breaker {
	return s.breaker
}

// MarketOpen reports whether RefreshQuotes would run at t.
func (s *Scheduler) MarketOpen(t time.Time) bool {
	return s.marketOpen(t)
}

// Status returns breaker state and the last run summary.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Breaker:    s.breaker.Status(),
		Running:    s.running.Load(),
		TradingDay: s.tradingDay,
		CachedSize: s.cache.Len(),
	}
	if s.lastRun != nil {
		run := *s.lastRun
		st.LastRun = &run
	}
	return st
}

func (s *Scheduler) recordRun(sum RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &sum
}

func (s *Scheduler) currentTradingDay() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingDay
}

// RefreshQuotes refreshes every active security in batches. It is a no-op outside market
// hours, while a previous run is still active, and while the breaker is open.
func (s *Scheduler) RefreshQuotes(ctx context.Context) (RunSummary, error) {
	sum := RunSummary{StartedAt: s.now()}

	if !s.marketOpen(sum.StartedAt) {
		sum.Skipped = "market closed"
		return sum, nil
	}
	if !s.running.CompareAndSwap(false, true) {
		sum.Skipped = "previous run still active"
		return sum, nil
	}
	defer s.running.Store(false)

	release, allowed := s.breaker.Acquire()
	if !allowed {
		sum.Skipped = "circuit open"
		s.log.Debug("Circuit open, skipping quote refresh")
		return sum, apperrors.ErrCircuitOpen
	}
	defer release()

	if s.currentTradingDay() != calendar.TradingDay(sum.StartedAt) {
		if _, err := s.InitializeTradingDay(ctx); err != nil {
			s.log.WithError(err).Warn("Trading day initialization failed, refreshing anyway")
		}
	}

	secs, err := s.store.ListActive(ctx)
	if err != nil {
		utils.Capture(ctx, s.exceptions, "marketdata", "RefreshQuotes", "error", err, nil)
		return sum, err
	}

	symbols := make([]string, 0, len(secs))
	for i := range secs {
		symbols = append(symbols, secs[i].Symbol)
	}
	sum.Symbols = len(symbols)

	for start := 0; start < len(symbols); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		if start > 0 && !sleepCtx(ctx, s.cfg.BatchDelay) {
			sum.Aborted = true
			break
		}
		if s.breaker.State() == BreakerOpen {
			s.log.WithField("remaining", len(symbols)-start).Warn("Breaker opened mid-run, aborting remaining batches")
			sum.Aborted = true
			break
		}

		ok, failed := s.runBatch(ctx, symbols[start:end])
		sum.Batches++
		sum.Refreshed += ok
		sum.Failed += failed
	}

	sum.FinishedAt = s.now()
	s.recordRun(sum)

	s.log.WithFields(map[string]interface{}{
		"symbols":   sum.Symbols,
		"batches":   sum.Batches,
		"refreshed": sum.Refreshed,
		"failed":    sum.Failed,
		"aborted":   sum.Aborted,
		"breaker":   s.breaker.State().String(),
	}).Info("Quote refresh finished")

	return sum, nil
}

// runBatch refreshes symbols on the worker pool and returns once every worker finished
// or the batch timeout elapsed. Counts reflect the workers done by then.
func (s *Scheduler) runBatch(ctx context.Context, symbols []string) (int, int) {
	var ok, failed atomic.Int64

	s.forEach(ctx, symbols, "runBatch", func(bctx context.Context, symbol string) {
		if s.breaker.State() == BreakerOpen {
			return
		}
		if _, err := s.refreshOne(bctx, symbol); err != nil {
			failed.Add(1)
			return
		}
		ok.Add(1)
	}, func() { failed.Add(1) })

	return int(ok.Load()), int(failed.Load())
}

// forEach runs fn for every symbol on at most cfg.Workers goroutines, pacing provider calls
// through the limiter. A panicking worker is recovered and reported through onPanic.
func (s *Scheduler) forEach(
	ctx context.Context,
	symbols []string,
	op string,
	fn func(ctx context.Context, symbol string),
	onPanic func(),
) {
	bctx := ctx
	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, symbol := range symbols {
			if bctx.Err() != nil {
				break
			}
			symbol := symbol
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						if onPanic != nil {
							onPanic()
						}
						perr := fmt.Errorf("worker panic on %s: %v", symbol, r)
						utils.Capture(bctx, s.exceptions, "marketdata", op, "error", perr,
							map[string]interface{}{"symbol": symbol})
					}
				}()

				if err := s.limiter.Wait(bctx); err != nil {
					return nil
				}
				fn(bctx, symbol)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-bctx.Done():
		s.log.WithFields(map[string]interface{}{
			"op":      op,
			"symbols": len(symbols),
		}).Warn("Batch timed out, outstanding workers cancelled")
	}
}

// refreshOne fetches symbol, anchors its change to the day's previous close and stores it.
func (s *Scheduler) refreshOne(ctx context.Context, symbol string) (model.Quote, error) {
	entry := s.log.WithField("symbol", symbol)

	q, err := s.provider.FetchQuote(ctx, symbol)
	if err != nil {
		s.breaker.RecordFailure()
		entry.WithError(err).Warn("Quote fetch failed")
		return model.Quote{}, err
	}
	if !q.Usable() {
		s.breaker.RecordFailure()
		entry.Warn("Provider returned no usable price")
		return model.Quote{}, apperrors.ErrNoMarketPrice
	}
	s.breaker.RecordSuccess()

	q.Symbol = model.NormalizeSymbol(symbol)
	if cached, ok := s.cache.Get(q.Symbol); ok && cached.PreviousClose.IsPositive() {
		q.PreviousClose = cached.PreviousClose
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = s.now()
	}
	q = q.WithIntradayChange()

	s.cache.Put(q)
	if err := s.store.UpdateQuote(ctx, q); err != nil {
		entry.WithError(err).Error("Failed to persist quote")
		return q, err
	}

	for _, l := range s.listeners {
		l(ctx, q)
	}
	return q, nil
}

// RefreshSymbol fetches one symbol now, outside the schedule and market hours.
func (s *Scheduler) RefreshSymbol(ctx context.Context, symbol string) (model.Quote, error) {
	release, allowed := s.breaker.Acquire()
	if !allowed {
		return model.Quote{}, apperrors.ErrCircuitOpen
	}
	defer release()

	if err := s.limiter.Wait(ctx); err != nil {
		return model.Quote{}, err
	}
	return s.refreshOne(ctx, model.NormalizeSymbol(symbol))
}

// InitializeTradingDay resets every active security's previous close from a fresh quote,
// falling back to the close captured at the last session end. It anchors the day's
// change calculations and runs before the first refresh of each trading day.
func (s *Scheduler) InitializeTradingDay(ctx context.Context) (int, error) {
	secs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	byTicker := make(map[string]model.Security, len(secs))
	symbols := make([]string, 0, len(secs))
	for i := range secs {
		byTicker[secs[i].Symbol] = secs[i]
		symbols = append(symbols, secs[i].Symbol)
	}

	var reset atomic.Int64
	s.forEach(ctx, symbols, "InitializeTradingDay", func(bctx context.Context, symbol string) {
		sec := byTicker[symbol]

		prev := sec.ClosePrice
		q, err := s.fetchForOpen(bctx, symbol)
		if err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Warn("Open fetch failed, using captured close")
		} else if q.PreviousClose.IsPositive() {
			prev = q.PreviousClose
		}
		if !prev.IsPositive() {
			return
		}

		s.cache.SetPreviousClose(symbol, prev)
		if err == nil && q.Usable() {
			q.Symbol = symbol
			q.PreviousClose = prev
			s.cache.Put(q.WithIntradayChange())
		}
		if err := s.store.ResetPreviousClose(bctx, symbol, prev); err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Error("Failed to persist previous close")
			return
		}
		reset.Add(1)
	}, nil)

	day := calendar.TradingDay(s.now())
	s.mu.Lock()
	s.tradingDay = day
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{
		"trading_day": day,
		"reset":       reset.Load(),
		"symbols":     len(symbols),
	}).Info("Trading day initialized")

	return int(reset.Load()), nil
}

// fetchForOpen fetches symbol for the trading-day reset with the same breaker accounting
// as a scheduled refresh. An open breaker yields ErrCircuitOpen without calling upstream.
func (s *Scheduler) fetchForOpen(ctx context.Context, symbol string) (model.Quote, error) {
	if s.breaker.State() == BreakerOpen {
		return model.Quote{}, apperrors.ErrCircuitOpen
	}
	q, err := s.provider.FetchQuote(ctx, symbol)
	if err != nil {
		s.breaker.RecordFailure()
		return model.Quote{}, err
	}
	if q.PreviousClose.IsPositive() || q.Usable() {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
	return q, nil
}

// TriggerDayChangeCalculation recomputes the intraday change of every cached quote from
// its anchored previous close, persists it and notifies listeners.
func (s *Scheduler) TriggerDayChangeCalculation(ctx context.Context) (int, error) {
	updated := 0
	for _, symbol := range s.cache.Symbols() {
		q, ok := s.cache.Get(symbol)
		if !ok || !q.Usable() || !q.PreviousClose.IsPositive() {
			continue
		}

		q = q.WithIntradayChange()
		s.cache.Put(q)
		if err := s.store.UpdateQuote(ctx, q); err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Error("Failed to persist day change")
			continue
		}
		for _, l := range s.listeners {
			l(ctx, q)
		}
		updated++
	}

	s.log.WithField("updated", updated).Info("Day change recalculated")
	return updated, nil
}

// CaptureClosingPrices stores each active security's last price as the session close.
func (s *Scheduler) CaptureClosingPrices(ctx context.Context) (int, error) {
	secs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	captured := 0
	for i := range secs {
		price := secs[i].CurrentPrice
		if p, ok := s.cache.Price(secs[i].Symbol); ok {
			price = p
		}
		if !price.IsPositive() {
			continue
		}
		if err := s.store.SetClosePrice(ctx, secs[i].Symbol, price, now); err != nil {
			s.log.WithField("symbol", secs[i].Symbol).WithError(err).Error("Failed to capture close")
			continue
		}
		captured++
	}

	s.log.WithFields(map[string]interface{}{
		"captured": captured,
		"symbols":  len(secs),
	}).Info("Closing prices captured")

	return captured, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
