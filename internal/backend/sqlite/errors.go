package sqlite

import "errors"

// RetryableError wraps transient errors so callers can distinguish them
// from permanent failures. Use for: SQLITE_BUSY, connection resets,
// deadlock-detected. Don't use for: constraint violations, not-found.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps err to mark it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err (or something it wraps) was marked
// transient.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}
