package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerledger/src/apperrors"
	"brokerledger/src/database"
	"brokerledger/src/ledger"
	"brokerledger/src/model"
	"brokerledger/src/quotes"
	"brokerledger/src/repository"
	"brokerledger/src/transactions"
)

// memStore completes a transaction only when it is PENDING and due by the wall clock.
type memStore struct {
	mu        sync.Mutex
	txns      map[uint]*model.Transaction
	completed map[uint]int
}

func newMemStore() *memStore {
	return &memStore{txns: map[uint]*model.Transaction{}, completed: map[uint]int{}}
}

func (m *memStore) add(id uint, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[id] = &model.Transaction{ID: id, Status: model.TransactionStatusPending, SettlementDate: &at}
}

func (m *memStore) cancel(id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[id].Status = model.TransactionStatusCancelled
}

func (m *memStore) completions(id uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[id]
}

func (m *memStore) CompleteTransaction(ctx context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok || txn.Status != model.TransactionStatusPending || txn.SettlementDate.After(time.Now().UTC()) {
		return false, nil
	}
	txn.Status = model.TransactionStatusCompleted
	m.completed[id]++
	return true, nil
}

func (m *memStore) GetTransaction(ctx context.Context, id uint) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, apperrors.NotFound("transaction", id)
	}
	cp := *txn
	return &cp, nil
}

func (m *memStore) ListPendingSettlements(ctx context.Context) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for _, txn := range m.txns {
		if txn.Status == model.TransactionStatusPending {
			out = append(out, *txn)
		}
	}
	return out, nil
}

func (m *memStore) ListDueSettlements(ctx context.Context, asOf time.Time) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for _, txn := range m.txns {
		if txn.Status == model.TransactionStatusPending && !txn.SettlementDate.After(asOf) {
			out = append(out, *txn)
		}
	}
	return out, nil
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPastInstantSettlesWithoutTimer(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, Config{QueueCapacity: 8})
	startScheduler(t, s)

	store.add(1, time.Now().UTC().Add(-time.Minute))
	s.ScheduleSettlement(1, time.Now().UTC().Add(-time.Minute))

	require.Eventually(t, func() bool { return store.completions(1) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestTimerSettlesAtInstant(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, Config{QueueCapacity: 8})
	startScheduler(t, s)

	at := time.Now().UTC().Add(80 * time.Millisecond)
	store.add(2, at)
	s.ScheduleSettlement(2, at)

	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, store.completions(2))

	require.Eventually(t, func() bool { return store.completions(2) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, time.Now().UTC().Before(at))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestCancelDisarmsTimer(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, Config{QueueCapacity: 8})
	startScheduler(t, s)

	at := time.Now().UTC().Add(100 * time.Millisecond)
	store.add(3, at)
	s.ScheduleSettlement(3, at)
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	store.cancel(3)
	s.CancelSettlement(3)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, store.completions(3))
}

func TestCancelledTransactionFiringIsNoop(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, Config{QueueCapacity: 8})
	startScheduler(t, s)

	at := time.Now().UTC().Add(30 * time.Millisecond)
	store.add(4, at)
	store.cancel(4)
	s.ScheduleSettlement(4, at)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, store.completions(4))
	assert.Equal(t, 0, s.Pending())
}

func TestRunRearmsPendingTransactions(t *testing.T) {
	store := newMemStore()
	store.add(5, time.Now().UTC().Add(-time.Hour))
	store.add(6, time.Now().UTC().Add(60*time.Millisecond))
	store.add(7, time.Now().UTC().Add(time.Hour))

	s := NewScheduler(store, Config{QueueCapacity: 8})
	startScheduler(t, s)

	require.Eventually(t, func() bool { return store.completions(5) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.completions(6) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.completions(7))
	assert.Equal(t, 1, s.Pending())
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.add(8, time.Now().UTC().Add(-48*time.Hour))
	store.add(9, time.Now().UTC().Add(-time.Second))
	store.add(10, time.Now().UTC().Add(time.Hour))

	s := NewScheduler(store, Config{QueueCapacity: 8})

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 1, store.completions(8))
	assert.Equal(t, 1, store.completions(9))
	assert.Equal(t, 0, store.completions(10))
}

func TestScheduleNeverBlocks(t *testing.T) {
	s := NewScheduler(newMemStore(), Config{QueueCapacity: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint(1); i <= 10; i++ {
			s.ScheduleSettlement(i, time.Now())
			s.CancelSettlement(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ScheduleSettlement blocked on a full queue")
	}
}

func TestDepositSettlesThroughTransactions(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenInMemory("settlement_deposit")
	require.NoError(t, err)

	p := &model.Portfolio{Name: "settle", CashBalance: decimal.Zero}
	require.NoError(t, repository.NewPortfolioRepositoryWithDB(db).Create(ctx, p))

	led := ledger.NewService(db, quotes.NewCache(), ledger.Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	txns := transactions.NewService(db, led, nil, 2, nil)
	s := NewScheduler(txns, Config{QueueCapacity: 8})
	txns.SetSignals(s)
	startScheduler(t, s)

	txn, err := txns.CreateTransaction(ctx, transactions.Request{
		PortfolioID: p.ID,
		Type:        model.TransactionTypeDeposit,
		Amount:      decimal.NewFromInt(250),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := txns.GetTransaction(ctx, txn.ID)
		return err == nil && got.Status == model.TransactionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cash, err := led.GetCashBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.NewFromInt(250)))
}
