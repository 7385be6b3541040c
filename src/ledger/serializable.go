package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"brokerledger/src/apperrors"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsConflict reports whether err is a write collision worth retrying:
// a lost compare-and-swap, a racing insert, or a serialization failure.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrWriteConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// RunSerializable runs fn in a serializable transaction. Conflicts are retried up to
// maxRetries times, waiting attempt*backoff before each retry. Exhaustion returns a
// position calculation error wrapping the last conflict. Other errors are returned as is.
func RunSerializable(
	ctx context.Context,
	db *gorm.DB,
	maxRetries int,
	backoff time.Duration,
	op string,
	fn func(tx *gorm.DB) error,
) error {

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}

		err := db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}

		lastErr = err
		logger.WithFields(map[string]interface{}{
			"component": "Ledger",
			"op":        op,
			"attempt":   attempt + 1,
		}).WithError(err).Warn("Write conflict, retrying")
	}

	return apperrors.PositionCalculation(op, maxRetries+1, lastErr)
}
