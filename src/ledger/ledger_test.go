package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"brokerledger/src/apperrors"
	"brokerledger/src/database"
	"brokerledger/src/model"
	"brokerledger/src/quotes"
	"brokerledger/src/repository"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db        *gorm.DB
	cache     *quotes.Cache
	svc       *Service
	portfolio *model.Portfolio
	security  *model.Security
}

func newFixture(t *testing.T, name string, cash string) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenInMemory(name)
	require.NoError(t, err)

	p := &model.Portfolio{Name: "test", CashBalance: d(cash)}
	require.NoError(t, repository.NewPortfolioRepositoryWithDB(db).Create(ctx, p))

	sec := &model.Security{Symbol: "ACME", Active: true}
	require.NoError(t, repository.NewSecurityRepositoryWithDB(db).Create(ctx, sec))

	cache := quotes.NewCache()
	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	svc := NewService(db, cache, Config{MaxRetries: 3, RetryBackoff: time.Millisecond}).
		WithClock(func() time.Time { return now })

	return &fixture{db: db, cache: cache, svc: svc, portfolio: p, security: sec}
}

func (f *fixture) fill(side model.OrderSide, qty, price string) Fill {
	return Fill{
		PortfolioID: f.portfolio.ID,
		SecurityID:  f.security.ID,
		Symbol:      f.security.Symbol,
		Side:        side,
		Quantity:    d(qty),
		Price:       d(price),
	}
}

func TestWeightedAverageCostAndUnrealizedGain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_weighted_avg", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "100"))
	require.NoError(t, err)
	pos, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "5", "130"))
	require.NoError(t, err)

	assert.True(t, pos.Quantity.Equal(d("15")))
	assert.True(t, pos.AverageCost.Equal(d("110")), pos.AverageCost.String())

	f.cache.Put(model.Quote{Symbol: "ACME", CurrentPrice: d("120")})
	pos, err = f.svc.RefreshPosition(ctx, pos.ID)
	require.NoError(t, err)

	assert.True(t, pos.CurrentValue.Equal(d("1800")), pos.CurrentValue.String())
	assert.True(t, pos.UnrealizedGain.Equal(d("150")), pos.UnrealizedGain.String())
	assert.True(t, pos.BreakEvenPrice().Equal(d("110")))
}

func TestWeightedAverageIsOrderIndependent(t *testing.T) {
	buys := [][2]string{{"10", "100"}, {"5", "130"}, {"7", "91.5"}, {"3", "250.25"}}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}

	var want decimal.Decimal
	sumQty, sumCost := decimal.Zero, decimal.Zero
	for _, b := range buys {
		sumQty = sumQty.Add(d(b[0]))
		sumCost = sumCost.Add(d(b[0]).Mul(d(b[1])))
	}
	want = sumCost.Div(sumQty)

	for i, order := range orders {
		pos := &model.Position{}
		for _, idx := range order {
			applyBuy(pos, d(buys[idx][0]), d(buys[idx][1]), time.Now())
		}
		assert.True(t, pos.Quantity.Equal(sumQty), "run %d", i)
		assert.True(t, pos.AverageCost.Round(6).Equal(want.Round(6)),
			"run %d: got %s want %s", i, pos.AverageCost, want)
	}
}

func TestSellRealizesGainAndKeepsAverageCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_sell_realized", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "50"))
	require.NoError(t, err)

	pos, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideSell, "4", "70"))
	require.NoError(t, err)

	assert.True(t, pos.RealizedGain.Equal(d("80")), pos.RealizedGain.String())
	assert.True(t, pos.Quantity.Equal(d("6")))
	assert.True(t, pos.AverageCost.Equal(d("50")))
	assert.True(t, pos.Active)
}

func TestSellMoreThanHeldLeavesPositionUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_sell_insufficient", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "3", "10"))
	require.NoError(t, err)

	repo := repository.NewPositionRepositoryWithDB(f.db)
	before, err := repo.FindByPortfolioAndSecurity(ctx, f.portfolio.ID, f.security.ID)
	require.NoError(t, err)

	_, err = f.svc.ApplyFill(ctx, f.fill(model.OrderSideSell, "4", "10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientShares))
	assert.True(t, apperrors.Is(err, apperrors.KindInsufficient))

	after, err := repo.FindByPortfolioAndSecurity(ctx, f.portfolio.ID, f.security.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSellWithoutPositionFails(t *testing.T) {
	f := newFixture(t, "ledger_sell_no_position", "0")
	_, err := f.svc.ApplyFill(context.Background(), f.fill(model.OrderSideSell, "1", "10"))
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientShares))
}

func TestSellEntireHoldingDeactivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_zero_crossing", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "50"))
	require.NoError(t, err)
	pos, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideSell, "10", "60"))
	require.NoError(t, err)

	assert.False(t, pos.Active)
	assert.True(t, pos.Quantity.IsZero())
	assert.True(t, pos.CurrentValue.IsZero())
	assert.True(t, pos.UnrealizedGain.IsZero())
	assert.True(t, pos.RealizedGain.Equal(d("100")))

	qty, err := f.svc.GetCurrentQuantity(ctx, f.portfolio.ID, "acme")
	require.NoError(t, err)
	assert.True(t, qty.IsZero())

	// buying again reopens the same row
	pos2, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "2", "40"))
	require.NoError(t, err)
	assert.Equal(t, pos.ID, pos2.ID)
	assert.True(t, pos2.Active)
	assert.True(t, pos2.AverageCost.Equal(d("40")))
	assert.True(t, pos2.RealizedGain.Equal(d("100")))
}

func TestRefreshPositionWithoutPriceKeepsValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_refresh_no_price", "0")

	pos, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "2", "10"))
	require.NoError(t, err)
	require.True(t, pos.CurrentValue.Equal(d("20")))

	refreshed, err := f.svc.RefreshPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.CurrentValue.Equal(d("20")))
	assert.Equal(t, pos.Version, refreshed.Version)
}

func TestRefreshPositionDayChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_day_change", "0")

	pos, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "10"))
	require.NoError(t, err)

	f.cache.Put(model.Quote{Symbol: "ACME", CurrentPrice: d("12"), PreviousClose: d("11")})
	n, err := f.svc.RefreshAllPositions(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := repository.NewPositionRepositoryWithDB(f.db).FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.DayChange.Equal(d("10")), stored.DayChange.String())
	assert.True(t, stored.UnrealizedGain.Equal(d("20")))

	value, err := f.svc.GetCurrentValue(ctx, f.portfolio.ID, "ACME")
	require.NoError(t, err)
	assert.True(t, value.Equal(d("120")))
}

func TestReverseBuyRestoresAverageCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_reverse_buy", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "100"))
	require.NoError(t, err)
	_, err = f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "5", "130"))
	require.NoError(t, err)

	var pos *model.Position
	err = f.svc.RunSerializable(ctx, "test", func(tx *gorm.DB) error {
		var e error
		pos, e = f.svc.ReverseFillTx(ctx, tx, f.fill(model.OrderSideBuy, "5", "130"))
		return e
	})
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("10")))
	assert.True(t, pos.AverageCost.Equal(d("100")), pos.AverageCost.String())
}

func TestAdjustCashBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_cash", "500")

	bal, err := f.svc.AdjustCashBalance(ctx, f.portfolio.ID, d("-200"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("300")))

	_, err = f.svc.AdjustCashBalance(ctx, f.portfolio.ID, d("-300.01"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNegativeBalance))

	cash, err := f.svc.GetCashBalance(ctx, f.portfolio.ID)
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("300")))

	_, err = f.svc.GetCashBalance(ctx, 999)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestRecomputePortfolioValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_portfolio_value", "1000")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "20"))
	require.NoError(t, err)

	total, err := f.svc.RecomputePortfolioValue(ctx, f.portfolio.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(d("1200")), total.String())

	n, err := f.svc.RecomputeAllPortfolioValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSerializableRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenInMemory("ledger_run_serializable")
	require.NoError(t, err)

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		err := RunSerializable(ctx, db, 3, time.Millisecond, "test", func(*gorm.DB) error {
			calls++
			if calls < 3 {
				return apperrors.ErrWriteConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhaustion is a position calculation error", func(t *testing.T) {
		calls := 0
		err := RunSerializable(ctx, db, 3, time.Millisecond, "test", func(*gorm.DB) error {
			calls++
			return &pgconn.PgError{Code: "40001"}
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
		assert.Equal(t, apperrors.KindPositionCalculation, apperrors.KindOf(err))
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := RunSerializable(ctx, db, 3, time.Millisecond, "test", func(*gorm.DB) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := RunSerializable(cctx, db, 3, time.Hour, "test", func(*gorm.DB) error {
			calls++
			cancel()
			return apperrors.ErrWriteConflict
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(apperrors.ErrWriteConflict))
	assert.True(t, IsConflict(gorm.ErrDuplicatedKey))
	assert.True(t, IsConflict(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsConflict(errors.New("x")))
	assert.False(t, IsConflict(nil))
}

func TestConcurrentFillsOnOnePositionLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLiteFile(filepath.Join(t.TempDir(), "ledger.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	p := &model.Portfolio{Name: "race", CashBalance: d("100000")}
	require.NoError(t, repository.NewPortfolioRepositoryWithDB(db).Create(ctx, p))
	sec := &model.Security{Symbol: "ACME", Active: true}
	require.NoError(t, repository.NewSecurityRepositoryWithDB(db).Create(ctx, sec))

	svc := NewService(db, quotes.NewCache(), Config{MaxRetries: 50, RetryBackoff: time.Millisecond})

	const workers = 8
	const fillsPerWorker = 5

	totalQty := decimal.Zero
	totalCost := decimal.Zero
	fills := make([][]Fill, workers)
	for w := 0; w < workers; w++ {
		for i := 0; i < fillsPerWorker; i++ {
			qty := decimal.NewFromInt(int64(w + 1))
			price := decimal.NewFromInt(int64(100 + 10*i))
			fills[w] = append(fills[w], Fill{
				PortfolioID: p.ID,
				SecurityID:  sec.ID,
				Symbol:      "ACME",
				Side:        model.OrderSideBuy,
				Quantity:    qty,
				Price:       price,
			})
			totalQty = totalQty.Add(qty)
			totalCost = totalCost.Add(qty.Mul(price))
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*fillsPerWorker*2)
	start := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(own []Fill) {
			defer wg.Done()
			<-start
			for _, fill := range own {
				if _, err := svc.ApplyFill(ctx, fill); err != nil {
					errs <- err
				}
				if _, err := svc.AdjustCashBalance(ctx, p.ID, fill.Quantity.Mul(fill.Price).Neg()); err != nil {
					errs <- err
				}
			}
		}(fills[w])
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	pos, err := svc.GetPosition(ctx, p.ID, "ACME")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(totalQty), "quantity %s, want %s", pos.Quantity, totalQty)

	wantAvg := totalCost.DivRound(totalQty, 8)
	assert.True(t, pos.AverageCost.Sub(wantAvg).Abs().LessThan(d("0.000001")),
		"average cost %s, want %s", pos.AverageCost, wantAvg)

	cash, err := svc.GetCashBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("100000").Sub(totalCost)), "cash %s", cash)
}

func TestStaleVersionWriteIsRetriedWithoutDoubleApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ledger_stale_version", "0")

	_, err := f.svc.ApplyFill(ctx, f.fill(model.OrderSideBuy, "10", "100"))
	require.NoError(t, err)

	attempts := 0
	err = f.svc.RunSerializable(ctx, "race", func(tx *gorm.DB) error {
		attempts++
		repo := repository.NewPositionRepositoryWithDB(tx)

		stale, err := repo.FindByPortfolioAndSecurity(ctx, f.portfolio.ID, f.security.ID)
		if err != nil {
			return err
		}

		if attempts == 1 {
			// another writer lands between our read and our write
			if _, err := f.svc.ApplyFillTx(ctx, tx, f.fill(model.OrderSideBuy, "10", "200")); err != nil {
				return err
			}
		}

		applyBuy(stale, d("5"), d("130"), time.Now())
		return f.svc.saveVersioned(ctx, repo, stale)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	pos, err := f.svc.GetPosition(ctx, f.portfolio.ID, "ACME")
	require.NoError(t, err)
	// the first attempt rolled back entirely, including the interleaved fill
	assert.True(t, pos.Quantity.Equal(d("15")), pos.Quantity.String())
	assert.True(t, pos.AverageCost.Equal(d("110")), pos.AverageCost.String())
}
