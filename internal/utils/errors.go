package utils

import (
	"context"
	"errors"
)

// IsRecoverableError reports whether an operation that failed with err is worth retrying.
// Context cancellation and any of the given permanent errors are not recoverable;
// everything else (connection resets, timeouts, lock contention) is.
func IsRecoverableError(err error, permanent ...error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}
