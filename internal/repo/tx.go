package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"kerya/internal/domain"
	"kerya/internal/retry"
)

var defaultRetry = retry.NewManager(3, 20*time.Millisecond)

// WithTx runs fn as one unit of work. The whole unit is retried when the
// store reports lock contention or a serialization failure; business
// errors returned by fn are passed through untouched.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	m := r.Retry
	if m == nil {
		m = defaultRetry
	}
	attempts, err := m.Do(ctx, IsTransient, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil && IsTransient(err) {
		return domain.TransientFailure{Attempts: attempts, Err: err}
	}
	return err
}

// IsTransient reports storage errors that are safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
