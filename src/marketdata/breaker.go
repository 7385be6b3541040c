package marketdata

import (
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"brokerledger/src/utils"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerStatus is a point-in-time view of the breaker.
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	Threshold           int64      `json:"threshold"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

// Breaker counts consecutive upstream failures. At the threshold it opens; after the
// cooldown one trial is let through (half-open). A trial success closes it, a trial
// failure re-opens it and restarts the cooldown.
type Breaker struct {
	threshold int64
	cooldown  time.Duration
	now       utils.Clock

	state    atomic.Int32
	failures atomic.Int64
	openedAt atomic.Int64
	trialAt  atomic.Int64
	trialGen atomic.Int64
}

func NewBreaker(threshold int, cooldown time.Duration, clock utils.Clock) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if clock == nil {
		clock = utils.UTCNow
	}
	return &Breaker{threshold: int64(threshold), cooldown: cooldown, now: clock}
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int64 {
	return b.failures.Load()
}

// Allow reports whether a call may proceed. An open breaker past its cooldown
// moves to half-open and allows exactly the caller that made the move. A trial that
// records no outcome within another cooldown is handed to the next caller.
func (b *Breaker) Allow() bool {
	_, ok := b.Acquire()
	return ok
}

// Acquire is Allow for callers that may finish without recording an outcome.
// release puts a trial that is still unresolved back to OPEN, keeping the original
// opening time so the next caller may try again at once. It is a no-op otherwise.
func (b *Breaker) Acquire() (release func(), ok bool) {
	noop := func() {}

	switch b.State() {
	case BreakerClosed:
		return noop, true
	case BreakerOpen:
		opened := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(opened) < b.cooldown {
			return noop, false
		}
		if !b.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen)) {
			return noop, false
		}
		logger.WithField("component", "CircuitBreaker").Info("Cooldown elapsed, breaker half-open")
		return b.grantTrial(), true
	case BreakerHalfOpen:
		granted := b.trialAt.Load()
		if b.now().Sub(time.Unix(0, granted)) < b.cooldown {
			return noop, false
		}
		if !b.trialAt.CompareAndSwap(granted, b.now().UnixNano()) {
			return noop, false
		}
		logger.WithField("component", "CircuitBreaker").Warn("Half-open trial expired without outcome, granting a new one")
		return b.releaseFor(b.trialGen.Add(1)), true
	default:
		return noop, false
	}
}

func (b *Breaker) grantTrial() func() {
	b.trialAt.Store(b.now().UnixNano())
	return b.releaseFor(b.trialGen.Add(1))
}

func (b *Breaker) releaseFor(gen int64) func() {
	return func() {
		if b.trialGen.Load() != gen {
			return
		}
		if b.state.CompareAndSwap(int32(BreakerHalfOpen), int32(BreakerOpen)) {
			logger.WithField("component", "CircuitBreaker").Info("Trial ended without outcome, breaker re-opened")
		}
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	if prev := BreakerState(b.state.Swap(int32(BreakerClosed))); prev != BreakerClosed {
		logger.WithField("component", "CircuitBreaker").Info("Breaker closed")
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold or on a failed trial.
func (b *Breaker) RecordFailure() {
	n := b.failures.Add(1)

	if b.state.CompareAndSwap(int32(BreakerHalfOpen), int32(BreakerOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		logger.WithField("component", "CircuitBreaker").Warn("Trial failed, breaker re-opened")
		return
	}

	if n >= b.threshold && b.state.CompareAndSwap(int32(BreakerClosed), int32(BreakerOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		logger.WithFields(map[string]interface{}{
			"component": "CircuitBreaker",
			"failures":  n,
			"cooldown":  b.cooldown.String(),
		}).Warn("Failure threshold reached, breaker opened")
	}
}

// Status returns a snapshot for status endpoints.
func (b *Breaker) Status() BreakerStatus {
	st := BreakerStatus{
		State:               b.State().String(),
		ConsecutiveFailures: b.failures.Load(),
		Threshold:           b.threshold,
	}
	if b.State() != BreakerClosed {
		opened := time.Unix(0, b.openedAt.Load()).UTC()
		retry := opened.Add(b.cooldown)
		st.OpenedAt = &opened
		st.RetryAt = &retry
	}
	return st
}
