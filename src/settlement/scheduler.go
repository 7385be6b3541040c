// Package settlement completes pending transactions at their settlement instant.
// Each transaction gets a one-shot timer; a periodic sweep settles anything a timer missed.
package settlement

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
	"brokerledger/src/utils"
)

// Store is the transaction side the scheduler drives.
type Store interface {
	CompleteTransaction(ctx context.Context, id uint) (bool, error)
	GetTransaction(ctx context.Context, id uint) (*model.Transaction, error)
	ListPendingSettlements(ctx context.Context) ([]model.Transaction, error)
	ListDueSettlements(ctx context.Context, asOf time.Time) ([]model.Transaction, error)
}

type signal struct {
	id     uint
	at     time.Time
	cancel bool
}

type armed struct {
	timer *time.Timer
	gen   uint64
}

type Scheduler struct {
	store      Store
	queue      chan signal
	exceptions utils.ExceptionRecorder
	now        utils.Clock
	log        *logger.Entry

	mu     sync.Mutex
	timers map[uint]armed
	gen    uint64
	wg     sync.WaitGroup
}

func NewScheduler(store Store, cfg Config) *Scheduler {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1
	}
	return &Scheduler{
		store:  store,
		queue:  make(chan signal, capacity),
		now:    utils.UTCNow,
		timers: make(map[uint]armed),
		log:    logger.WithField("component", "SettlementScheduler"),
	}
}

// WithClock replaces the time source used to compute timer delays.
func (s *Scheduler) WithClock(clock utils.Clock) *Scheduler {
	s.now = clock
	return s
}

// SetExceptionRecorder persists settlement failures.
func (s *Scheduler) SetExceptionRecorder(r utils.ExceptionRecorder) {
	s.exceptions = r
}

// ScheduleSettlement queues a settlement instant. It never blocks: when the queue is
// full the signal is dropped and the sweep settles the transaction later.
func (s *Scheduler) ScheduleSettlement(id uint, at time.Time) {
	select {
	case s.queue <- signal{id: id, at: at}:
	default:
		s.log.WithFields(map[string]interface{}{
			"transaction_id": id,
			"settles_at":     at,
		}).Warn("Settlement queue full, leaving transaction to the sweep")
	}
}

// CancelSettlement disarms the timer of a transaction that left PENDING.
func (s *Scheduler) CancelSettlement(id uint) {
	select {
	case s.queue <- signal{id: id, cancel: true}:
	default:
		s.disarm(id)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run re-arms every pending transaction, then consumes settlement signals until ctx is done.
// On return all timers are stopped and running settlements have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Rearm(ctx); err != nil {
		s.log.WithError(err).Error("Failed to re-arm pending settlements, the sweep will catch up")
	}

	s.log.Info("Settlement scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.log.Info("Settlement scheduler stopped")
			return nil

		case sig := <-s.queue:
			if sig.cancel {
				s.disarm(sig.id)
				continue
			}
			s.arm(ctx, sig.id, sig.at)
		}
	}
}

// Rearm arms a timer for every PENDING transaction. Instants already in the past settle now.
func (s *Scheduler) Rearm(ctx context.Context) error {
	pending, err := s.store.ListPendingSettlements(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].SettlementDate == nil {
			continue
		}
		s.arm(ctx, pending[i].ID, *pending[i].SettlementDate)
	}

	s.log.WithField("pending", len(pending)).Info("Pending settlements re-armed")
	return nil
}

func (s *Scheduler) arm(ctx context.Context, id uint, at time.Time) {
	if ctx.Err() != nil {
		return
	}

	delay := at.Sub(s.now())
	if delay <= 0 {
		s.disarm(id)
		s.settle(ctx, id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[id]; ok && prev.timer.Stop() {
		s.wg.Done()
	}

	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.timers[id] = armed{
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			defer s.wg.Done()
			s.fire(ctx, id, gen)
		}),
	}

	s.log.WithFields(map[string]interface{}{
		"transaction_id": id,
		"settles_at":     at,
	}).Debug("Settlement timer armed")
}

func (s *Scheduler) fire(ctx context.Context, id uint, gen uint64) {
	s.mu.Lock()
	if cur, ok := s.timers[id]; ok && cur.gen == gen {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	s.settle(ctx, id)
}

func (s *Scheduler) disarm(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.timers[id]; ok {
		if cur.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cur := range s.timers {
		if cur.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
}

// settle completes id if it is still PENDING and due. A timer that fired early
// because of clock drift is re-armed.
func (s *Scheduler) settle(ctx context.Context, id uint) {
	entry := s.log.WithField("transaction_id", id)

	done, err := s.store.CompleteTransaction(ctx, id)
	if err != nil {
		entry.WithError(err).Error("Settlement failed, the sweep will retry")
		utils.Capture(ctx, s.exceptions, "settlement", "settle", "error", err,
			map[string]interface{}{"transaction_id": id})
		return
	}
	if done {
		return
	}

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		entry.WithError(err).Debug("Transaction gone before settlement")
		return
	}
	if txn.Status == model.TransactionStatusPending && txn.SettlementDate != nil && txn.SettlementDate.After(s.now()) {
		entry.Debug("Timer fired before the settlement instant, re-arming")
		s.arm(ctx, id, *txn.SettlementDate)
		return
	}

	entry.WithField("status", txn.Status).Debug("Nothing to settle")
}

// Sweep completes every PENDING transaction whose settlement instant has passed.
// Only PENDING rows move, so repeated sweeps settle nothing twice.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDueSettlements(ctx, s.now())
	if err != nil {
		utils.Capture(ctx, s.exceptions, "settlement", "Sweep", "error", err, nil)
		return 0, err
	}

	settled := 0
	for i := range due {
		id := due[i].ID
		done, err := s.store.CompleteTransaction(ctx, id)
		if err != nil {
			s.log.WithField("transaction_id", id).WithError(err).Error("Sweep failed to settle transaction")
			utils.Capture(ctx, s.exceptions, "settlement", "Sweep", "error", err,
				map[string]interface{}{"transaction_id": id})
			continue
		}
		s.disarm(id)
		if done {
			settled++
		}
	}

	s.log.WithFields(map[string]interface{}{
		"due":     len(due),
		"settled": settled,
	}).Info("Settlement sweep finished")

	return settled, nil
}
