// Package apperrors holds the error taxonomy shared by the order engine,
// the position ledger and the schedulers.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficient        Kind = "insufficient"
	KindConflict            Kind = "conflict"
	KindPositionCalculation Kind = "position_calculation"
	KindUpstream            Kind = "upstream"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInternal            Kind = "internal"
)

// Error carries a Kind so callers can branch on the category of a failure
// without matching on message text.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNoMarketPrice       = &Error{Kind: KindUpstream, Msg: "no market price"}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficient, Msg: "insufficient funds"}
	ErrInsufficientShares  = &Error{Kind: KindInsufficient, Msg: "insufficient shares"}
	ErrNegativeBalance     = &Error{Kind: KindInsufficient, Msg: "cash balance would become negative"}
	ErrOrderNotCancellable = &Error{Kind: KindInvalidState, Msg: "order is not cancellable"}
	ErrWriteConflict       = &Error{Kind: KindConflict, Msg: "concurrent write conflict"}
	ErrCircuitOpen         = &Error{Kind: KindUpstream, Msg: "market data circuit breaker is open"}
	ErrUnknownSymbol       = &Error{Kind: KindValidation, Msg: "unknown symbol"}
)

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for the named entity.
func NotFound(entity string, id interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %v not found", entity, id)}
}

// InvalidState returns an invalid-state error with a formatted message.
func InvalidState(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// PositionCalculation is the fatal error raised once conflict retries are exhausted.
func PositionCalculation(op string, attempts int, err error) error {
	return &Error{
		Kind: KindPositionCalculation,
		Op:   op,
		Msg:  fmt.Sprintf("position calculation failed after %d attempts", attempts),
		Err:  err,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
