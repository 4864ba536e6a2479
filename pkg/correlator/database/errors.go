package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

// TransientError marks a failure that a retry will likely clear:
// lost connectivity, serialization conflicts, lock contention.
// The dispatcher re-enqueues the message on this classification.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("database: transient %s failure: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("database: transient failure: %s", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable database failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Classify wraps retryable failures in *TransientError and passes
// everything else through unchanged. nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	if isTransientCause(err) {
		return &TransientError{Err: err}
	}
	return err
}

// isTransientCause recognizes retryable causes across backends.
func isTransientCause(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case strings.HasPrefix(string(pqErr.Code), "08"): // connection exception
			return true
		case pqErr.Code == "40001": // serialization_failure
			return true
		case pqErr.Code == "40P01": // deadlock_detected
			return true
		case pqErr.Code == "57P01": // admin_shutdown
			return true
		}
		return false
	}

	// modernc.org/sqlite reports contention in the error text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
