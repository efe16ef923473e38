package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrInvalidInput reports a misuse of the store API (nil store, bad option, bad id).
var ErrInvalidInput = errors.New("messages: invalid input")

// StorageError wraps a fault from the underlying engine with the operation
// and message id it happened on. Timeouts and cancellations are reported as
// StorageError too; the cause stays reachable through errors.Is.
type StorageError struct {
	Op  string
	ID  int64
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("messages.%s id=%d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("messages.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, ID: id, Err: err}
}

// IsTransient reports whether err is a storage fault worth retrying as is:
// deadlines, lock contention, serialization failures and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"): // transaction_rollback: serialization, deadlock
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
