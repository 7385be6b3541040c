// Package executor wires the ledger services together and runs them.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"brokerledger/src/calendar"
	"brokerledger/src/connectors"
	"brokerledger/src/database"
	"brokerledger/src/executors"
	"brokerledger/src/ledger"
	"brokerledger/src/marketdata"
	"brokerledger/src/model"
	"brokerledger/src/orders"
	"brokerledger/src/quotes"
	"brokerledger/src/repository"
	"brokerledger/src/securities"
	"brokerledger/src/server"
	"brokerledger/src/settlement"
	"brokerledger/src/transactions"
)

// Executor holds every service of a running ledger.
type Executor struct {
	Config *Config

	DB         *gorm.DB
	Cache      *quotes.Cache
	Ledger     *ledger.Service
	Txns       *transactions.Service
	Settlement *settlement.Scheduler
	Orders     *orders.Engine
	MarketData *marketdata.Scheduler
	Exceptions *repository.ExceptionRepository

	settlementCfg settlement.Config
	ordersCfg     orders.Config
	marketCfg     marketdata.Config
}

// Init connects the databases and builds the services. It must run before any other method.
func (t *Executor) Init(ctx context.Context) error {
	if t.Config == nil {
		t.Config = GetConfig()
	}

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to main database")
		return err
	}

	// Initialize read-only database
	if err := database.InitReadOnlyDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to read-only database")
		return err
	}

	return t.build(ctx, database.MainDB, database.ReadOnlyDB)
}

func (t *Executor) build(ctx context.Context, db, readDB *gorm.DB) error {
	t.DB = db
	t.settlementCfg = settlement.GetConfig()
	t.ordersCfg = orders.GetConfig()
	t.marketCfg = marketdata.GetConfig()

	secRepo := repository.NewSecurityRepositoryWithDB(db).WithReader(readDB)
	t.Exceptions = repository.NewExceptionRepositoryWithDB(db)

	t.Cache = quotes.NewCache()
	if t.Config.WarmCache {
		if err := t.Cache.Warm(ctx, secRepo); err != nil {
			logrus.WithError(err).Warn("Quote cache warm-up failed, starting cold")
		}
	}

	connCfg := connectors.GetConfig()
	venues := connectors.NewRouter(
		connectors.NewFinnhubClientFromConfig(connCfg),
		connectors.NewBinanceClientFromConfig(connCfg),
	)
	// registration reads back its own writes, so it stays on the primary
	resolver := securities.NewResolver(repository.NewSecurityRepositoryWithDB(db), venues)

	var holidays calendar.HolidayCalendar = calendar.WeekendsOnly{}
	if t.Config.USHolidays {
		holidays = calendar.USMarketHolidays{}
	}

	t.Ledger = ledger.NewService(db, t.Cache, ledger.GetConfig())
	t.Txns = transactions.NewService(db, t.Ledger, resolver, t.settlementCfg.SettlementDays, holidays)

	t.Settlement = settlement.NewScheduler(t.Txns, t.settlementCfg)
	t.Settlement.SetExceptionRecorder(t.Exceptions)
	t.Txns.SetSignals(t.Settlement)

	t.MarketData = marketdata.NewScheduler(venues, secRepo, t.Cache, t.marketCfg)
	t.MarketData.SetExceptionRecorder(t.Exceptions)

	t.Orders = orders.NewEngine(db, t.Cache, t.Txns, t.Ledger, resolver, t.ordersCfg)
	t.Orders.SetRefresher(t.MarketData)
	t.Orders.SetExceptionRecorder(t.Exceptions)

	t.MarketData.OnQuote(func(ctx context.Context, q model.Quote) {
		if _, err := t.Ledger.RefreshAllPositions(ctx, q.Symbol); err != nil {
			logrus.WithError(err).WithField("symbol", q.Symbol).Warn("Position revaluation failed")
		}
	})
	t.MarketData.OnQuote(t.Orders.OnQuote)

	return nil
}

// Jobs lists the cron jobs of a running ledger.
func (t *Executor) Jobs() []executors.Job {
	return []executors.Job{
		{
			Name:     "refresh-quotes",
			Schedule: t.marketCfg.RefreshSchedule,
			Gate:     t.MarketData.MarketOpen,
			Run: func(ctx context.Context) error {
				_, err := t.MarketData.RefreshQuotes(ctx)
				return err
			},
		},
		{
			Name:     "initialize-trading-day",
			Schedule: t.marketCfg.OpenSchedule,
			Run: func(ctx context.Context) error {
				_, err := t.MarketData.InitializeTradingDay(ctx)
				return err
			},
		},
		{
			Name:     "capture-closing-prices",
			Schedule: t.marketCfg.CloseSchedule,
			Run: func(ctx context.Context) error {
				_, err := t.MarketData.CaptureClosingPrices(ctx)
				return err
			},
		},
		{
			Name:     "settlement-sweep",
			Schedule: t.settlementCfg.SweepSchedule,
			Run: func(ctx context.Context) error {
				_, err := t.Settlement.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "expire-orders",
			Schedule: t.ordersCfg.ExpirySchedule,
			Run: func(ctx context.Context) error {
				_, err := t.Orders.ExpireOrders(ctx)
				return err
			},
		},
	}
}

// Start serves the HTTP API and runs every scheduler until SIGINT or SIGTERM.
func (t *Executor) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := t.Init(ctx); err != nil {
		return err
	}

	return t.Run(ctx)
}

// Router serves the HTTP API over the built components.
func (t *Executor) Router() http.Handler {
	return server.NewRouter(server.Deps{
		Orders:       t.Orders,
		Positions:    t.Ledger,
		Transactions: t.Txns,
		MarketData:   t.MarketData,
	})
}

// Run blocks until ctx is done or one of the components fails.
func (t *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	router := t.Router()
	g.Go(func() error {
		return server.StartServer(ctx, server.GetConfig(), router)
	})

	if t.Config.RunScheduler {
		runner, err := executors.NewRunnerFromConfig()
		if err != nil {
			return err
		}
		runner.SetExceptionRecorder(t.Exceptions)
		for _, job := range t.Jobs() {
			if err := runner.Add(job); err != nil {
				return fmt.Errorf("register job %s: %w", job.Name, err)
			}
		}

		g.Go(func() error { return t.Settlement.Run(ctx) })
		g.Go(func() error { return runner.Start(ctx) })

		period := executors.GetConfig().ValuationPeriod
		g.Go(func() error {
			return executors.StartLoop(ctx, "portfolio-valuation", period, func(ctx context.Context) error {
				_, err := t.Ledger.RecomputeAllPortfolioValues(ctx)
				return err
			})
		})

		logrus.WithFields(map[string]interface{}{
			"jobs":             len(t.Jobs()),
			"valuation_period": period.String(),
			"settlement_days":  t.settlementCfg.SettlementDays,
			"refresh_schedule": t.marketCfg.RefreshSchedule,
		}).Info("Schedulers started")
	}

	return g.Wait()
}

// RunOnce executes a single job by name against the configured database.
func (t *Executor) RunOnce(ctx context.Context, name string) error {
	for _, job := range t.Jobs() {
		if job.Name != name {
			continue
		}
		started := time.Now()
		err := job.Run(ctx)
		entry := logrus.WithFields(map[string]interface{}{
			"job":      name,
			"duration": time.Since(started).String(),
		})
		if err != nil {
			entry.WithError(err).Error("Job failed")
			return err
		}
		entry.Info("Job finished")
		return nil
	}
	return fmt.Errorf("unknown job %q", name)
}
